package hooks

import (
	"os"
	"path/filepath"

	"github.com/glorpus-work/planetile/pkg/errors"
)

// hookFileExtensions lists the supported hook script extensions.
var hookFileExtensions = map[string]bool{
	".tengo": true,
}

// LoadStageScripts reads the pre and post script files for one stage and
// registers them with the executor. Empty paths are skipped.
func LoadStageScripts(exec *Executor, stage, prePath, postPath string) error {
	for phase, path := range map[Phase]string{PhasePre: prePath, PhasePost: postPath} {
		if path == "" {
			continue
		}
		script, err := LoadScript(path)
		if err != nil {
			return errors.Wrapf(err, "%s %s hook", phase, stage)
		}
		exec.AddScript(stage, phase, script)
	}
	return nil
}

// LoadScript reads a Tengo hook script from disk.
func LoadScript(path string) (string, error) {
	if ext := filepath.Ext(path); !hookFileExtensions[ext] {
		return "", errors.Wrapf(errors.ErrHookExecution, "unsupported hook script extension: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(errors.ErrHookExecution, "error reading hook script %s: %v", path, err)
	}
	return string(content), nil
}
