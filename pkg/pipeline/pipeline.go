// Package pipeline sequences the build stages and runs their hooks. Stages
// communicate through the filesystem only, so a run can resume from any
// stage whose inputs already exist.
package pipeline

import (
	"context"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/errors"
	"github.com/glorpus-work/planetile/pkg/hooks"
)

// Stage is one step of the build pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

type funcStage struct {
	name string
	run  func(ctx context.Context) error
}

func (s funcStage) Name() string                  { return s.name }
func (s funcStage) Run(ctx context.Context) error { return s.run(ctx) }

// NewStage wraps a function as a named pipeline stage.
func NewStage(name string, run func(ctx context.Context) error) Stage {
	return funcStage{name: name, run: run}
}

// Sequencer runs stages in order, stopping at the first failure. Hook
// scripts registered for a stage run before and after it; a hook failure
// fails the stage.
type Sequencer struct {
	stages   []Stage
	executor *hooks.Executor
	hookCtx  hooks.StageContext
}

// NewSequencer creates a sequencer over the given stages. A nil executor
// disables hooks. The hook context's Stage field is filled in per stage.
func NewSequencer(stages []Stage, executor *hooks.Executor, hookCtx hooks.StageContext) *Sequencer {
	if executor == nil {
		executor = hooks.NewExecutor()
	}
	return &Sequencer{stages: stages, executor: executor, hookCtx: hookCtx}
}

// Run executes every stage in order and returns the first error.
func (s *Sequencer) Run(ctx context.Context) error {
	for _, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runStage(ctx, stage); err != nil {
			return errors.Wrapf(err, "stage %s failed", stage.Name())
		}
	}
	return nil
}

func (s *Sequencer) runStage(ctx context.Context, stage Stage) error {
	hookCtx := s.hookCtx
	hookCtx.Stage = stage.Name()

	logger.Info("starting stage", logger.Fields{"stage": stage.Name()})
	if err := s.executor.Execute(hooks.PhasePre, hookCtx); err != nil {
		return err
	}
	if err := stage.Run(ctx); err != nil {
		return err
	}
	if err := s.executor.Execute(hooks.PhasePost, hookCtx); err != nil {
		return err
	}
	logger.Success("stage complete", logger.Fields{"stage": stage.Name()})
	return nil
}
