// Package hooks runs user-supplied Tengo scripts around pipeline stages.
package hooks

import (
	"fmt"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/glorpus-work/planetile/pkg/errors"
)

// Phase marks whether a hook runs before or after its stage.
type Phase string

// Supported hook phases.
const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// StageContext contains information passed to hook scripts.
type StageContext struct {
	Stage     string
	DataDir   string
	OutputDir string
	DryRun    bool
	Vars      map[string]interface{}
}

// Executor handles the execution of Tengo hook scripts keyed by stage and
// phase.
type Executor struct {
	scripts map[string]string
	mutex   sync.RWMutex
}

// NewExecutor creates a new Tengo script executor.
func NewExecutor() *Executor {
	return &Executor{
		scripts: make(map[string]string),
	}
}

// AddScript adds or updates the script for a stage phase.
func (e *Executor) AddScript(stage string, phase Phase, script string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.scripts[scriptKey(stage, phase)] = script
}

// RemoveScript removes the script for a stage phase.
func (e *Executor) RemoveScript(stage string, phase Phase) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.scripts, scriptKey(stage, phase))
}

// HasScript checks if a script exists for a stage phase.
func (e *Executor) HasScript(stage string, phase Phase) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	_, exists := e.scripts[scriptKey(stage, phase)]
	return exists
}

// Execute runs the script registered for the stage phase. A missing script
// is a no-op. Script runtime failures wrap ErrHookExecution; a non-empty
// "err" variable left by the script wraps ErrHookScript.
func (e *Executor) Execute(phase Phase, ctx StageContext) error {
	e.mutex.RLock()
	script, exists := e.scripts[scriptKey(ctx.Stage, phase)]
	e.mutex.RUnlock()
	if !exists {
		return nil
	}

	instance := tengo.NewScript([]byte(script))
	instance.SetImports(stdlib.GetModuleMap("fmt", "os", "text", "times"))

	if err := instance.Add("stage", ctx.Stage); err != nil {
		return fmt.Errorf("failed to add stage to script: %w", err)
	}
	if err := instance.Add("phase", string(phase)); err != nil {
		return fmt.Errorf("failed to add phase to script: %w", err)
	}
	if err := instance.Add("dataDir", ctx.DataDir); err != nil {
		return fmt.Errorf("failed to add dataDir to script: %w", err)
	}
	if err := instance.Add("outputDir", ctx.OutputDir); err != nil {
		return fmt.Errorf("failed to add outputDir to script: %w", err)
	}
	if err := instance.Add("dryRun", ctx.DryRun); err != nil {
		return fmt.Errorf("failed to add dryRun to script: %w", err)
	}
	for k, v := range ctx.Vars {
		if err := instance.Add(k, v); err != nil {
			return fmt.Errorf("failed to add variable '%s' to script: %w", k, err)
		}
	}

	compiled, err := instance.Run()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", phase, ctx.Stage, errors.ErrHookExecution, err)
	}

	if errVar := compiled.Get("err"); errVar != nil {
		switch v := errVar.Value().(type) {
		case error:
			return fmt.Errorf("%w: %w", errors.ErrHookScript, v)
		case string:
			if v != "" {
				return fmt.Errorf("%w: %s", errors.ErrHookScript, v)
			}
		}
	}
	return nil
}

func scriptKey(stage string, phase Phase) string {
	return stage + "/" + string(phase)
}
