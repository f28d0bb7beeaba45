package download

import (
	"crypto/md5" //nolint:gosec // staleness detection only, not integrity
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/glorpus-work/planetile/pkg/errors"
)

// SHA256Of returns the hex-encoded SHA-256 of a file using buffered reads.
// This is the integrity hash: catalog checksums and manifest digests use it.
func SHA256Of(path string) (string, error) {
	return hashFile(path, sha256.New())
}

// MD5Of returns the hex-encoded MD5 of a file. It is deliberately weaker
// than the integrity hash: the memoization sidecars only need to detect
// accidental local change, and MD5 keeps reuse checks cheap.
func MD5Of(path string) (string, error) {
	return hashFile(path, md5.New()) //nolint:gosec
}

func hashFile(path string, h hash.Hash) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s for hashing", path)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(h, file); err != nil {
		return "", errors.Wrapf(err, "failed to hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
