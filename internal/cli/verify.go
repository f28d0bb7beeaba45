package cli

import (
	"github.com/spf13/cobra"

	"github.com/glorpus-work/planetile/internal/logger"
	"github.com/glorpus-work/planetile/pkg/catalog"
	"github.com/glorpus-work/planetile/pkg/manifest"
)

// NewVerifyCmd creates the verify command.
func NewVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check acquired assets against the manifest",
		Long: `Re-read MANIFEST.json and confirm every recorded asset still exists
on disk with its recorded checksum.`,
		RunE: runVerify,
	}
}

func runVerify(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	m, err := manifest.Read(manifestPath(cfg))
	if err != nil {
		return err
	}
	cat, err := catalog.Load(catalogPath(cfg))
	if err != nil {
		return err
	}
	if err := m.Verify(cat, cfg.DataDir); err != nil {
		return err
	}

	logger.Success("manifest verified", logger.Fields{
		"manifest": manifestPath(cfg),
		"assets":   len(m.Sources),
	})
	return nil
}
