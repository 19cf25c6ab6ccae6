package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/security"
	"github.com/fly-io/deltaota/pkg/updater"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Hand the ready image to the flash tool",
	Args:  cobra.NoArgs,
	RunE:  runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().String("install-command", "", "Flash tool; the ready image is passed as its last argument")
	viper.BindPFlag("install-command", installCmd.Flags().Lookup("install-command"))
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	validator := security.NewValidator(cfg.MaxArtifactSize, cfg.MaxChainLength)
	installed, err := updater.NewInstaller(store, validator, cfg.PathBase, cfg.InstallCommand).Install(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", color.GreenString("Installed:"), installed)
	return nil
}
