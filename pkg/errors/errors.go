// Package errors defines the sentinel error values shared across the
// pipeline together with small wrapping helpers.
package errors

import "fmt"

// Common error types.
var (
	// Config errors.
	ErrEmptyConfigPath   = fmt.Errorf("config file path cannot be empty")
	ErrInvalidConfigPath = fmt.Errorf("invalid config file path")
	ErrConfigParse       = fmt.Errorf("failed to parse config")
	ErrConfigValidation  = fmt.Errorf("invalid configuration")

	// Catalog errors.
	ErrAssetUnknown = fmt.Errorf("asset not found in catalog")
	ErrCatalogParse = fmt.Errorf("failed to parse asset catalog")

	// Download errors.
	ErrDownloadFailed   = fmt.Errorf("download failed")
	ErrChecksumMismatch = fmt.Errorf("checksum mismatch")
	ErrInvalidPath      = fmt.Errorf("invalid path")

	// Acquisition errors.
	ErrAuthFailed     = fmt.Errorf("authentication failed")
	ErrTaskFailed     = fmt.Errorf("remote task failed")
	ErrSceneNotFound  = fmt.Errorf("no scene matched the search")
	ErrTileFetch      = fmt.Errorf("tile fetch failed")
	ErrMissingSecrets = fmt.Errorf("required credentials not set")

	// Processing and tiling errors.
	ErrCommandFailed   = fmt.Errorf("external command failed")
	ErrArtifactMissing = fmt.Errorf("expected artifact missing")
	ErrNotImplemented  = fmt.Errorf("not implemented")

	// Packaging errors.
	ErrVerifyFailed = fmt.Errorf("archive verification failed")

	// Hook errors.
	ErrHookExecution = fmt.Errorf("error executing hook")
	ErrHookScript    = fmt.Errorf("hook script error")
)

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
