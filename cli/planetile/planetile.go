package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/cli"
)

var (
	configPath string
	verbose    bool
	dryRunFlag bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}

	cancel()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "planetile",
		Short: "Build a global basemap tileset from open data",
		Long: `planetile builds a self-contained global basemap:
- acquire: download Blue Marble, GEBCO, Natural Earth, and optional imagery
- process: compose, normalize, and derive cloud-optimized rasters
- tile: cut the WebMercator pyramid into MBTiles and PMTiles
- package: assemble the verified distribution bundle`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: planetile.yaml)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&dryRunFlag, "dry-run", false, "log external commands without executing them")

	// Set up CLI pkg variables
	cli.ConfigPath = &configPath
	cli.Verbose = &verbose
	cli.DryRun = &dryRunFlag

	// Add subcommands
	cmd.AddCommand(
		cli.NewRunCmd(),
		cli.NewAcquireCmd(),
		cli.NewProcessCmd(),
		cli.NewTileCmd(),
		cli.NewPackageCmd(),
		cli.NewVerifyCmd(),
		cli.NewMPCFetchCmd(),
		cli.NewVersionCmd(),
	)

	return cmd
}
