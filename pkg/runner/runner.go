package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/errors"
)

//go:generate mockgen -destination=./mocks/runner.go -package=mocks . Runner

// Command is a single external tool invocation. Args holds the full argv,
// including the program name. Description is used for logging only.
type Command struct {
	Args        []string
	Description string
}

// Runner executes external commands on behalf of the processing and tiling
// stages. Implementations decide whether to actually spawn processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands through os/exec, capturing output so that
// failures carry the tool's stderr in the returned error.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	if len(cmd.Args) == 0 {
		return errors.Wrap(errors.ErrCommandFailed, "empty command")
	}

	logger.Debug("running command", logger.Fields{
		"description": cmd.Description,
		"command":     strings.Join(cmd.Args, " "),
	})

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		logger.Error("command failed", logger.Fields{
			"description": cmd.Description,
			"command":     cmd.Args[0],
			"stderr":      strings.TrimSpace(stderr.String()),
		})
		return errors.Wrapf(errors.ErrCommandFailed, "%s: %v: %s",
			cmd.Args[0], err, strings.TrimSpace(stderr.String()))
	}

	if out := strings.TrimSpace(stdout.String()); out != "" {
		logger.Debug("command output", logger.Fields{
			"description": cmd.Description,
			"stdout":      out,
		})
	}
	return nil
}

// DryRunRunner logs the command instead of executing it.
type DryRunRunner struct{}

func NewDryRunRunner() *DryRunRunner {
	return &DryRunRunner{}
}

func (r *DryRunRunner) Run(_ context.Context, cmd Command) error {
	logger.Info("dry-run: would run command", logger.Fields{
		"description": cmd.Description,
		"command":     strings.Join(cmd.Args, " "),
	})
	return nil
}

// New returns an ExecRunner, or a DryRunRunner when dryRun is set.
func New(dryRun bool) Runner {
	if dryRun {
		return NewDryRunRunner()
	}
	return NewExecRunner()
}
