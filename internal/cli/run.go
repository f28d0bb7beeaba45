package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/pkg/hooks"
	"github.com/glorpus-work/planetile/pkg/pipeline"
)

// NewRunCmd creates the run command, which executes the full pipeline.
func NewRunCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full acquire, process, tile, and package pipeline",
		Long: `Execute all pipeline stages in order, stopping at the first failure.
Stages communicate through the filesystem, so an interrupted run resumes
where its outputs left off. Configured Tengo hooks run around each stage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			executor := hooks.NewExecutor()
			for stage, scripts := range cfg.Hooks {
				if err := hooks.LoadStageScripts(executor, stage, scripts.Pre, scripts.Post); err != nil {
					return err
				}
			}

			stages := []pipeline.Stage{
				pipeline.NewStage("acquire", func(ctx context.Context) error {
					return runAcquireStage(ctx, cfg, force)
				}),
				pipeline.NewStage("process", func(ctx context.Context) error {
					return runProcessStage(ctx, cfg, force)
				}),
				pipeline.NewStage("tile", func(ctx context.Context) error {
					return runTileStage(ctx, cfg)
				}),
				pipeline.NewStage("package", func(ctx context.Context) error {
					return runPackageStage(ctx, cfg, "")
				}),
			}

			sequencer := pipeline.NewSequencer(stages, executor, hooks.StageContext{
				DataDir:   cfg.DataDir,
				OutputDir: cfg.OutputDir,
				DryRun:    dryRun(),
			})
			return sequencer.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "re-download and rebuild even when cached")
	return cmd
}
