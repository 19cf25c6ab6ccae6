package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fly-io/deltaota/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "deltaota",
	Short: "Delta OTA - incremental system image updates",
	Long:  `Resolves delta update chains, downloads and verifies payloads, and rebuilds flashable images.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if cfg, err := config.Load(); err == nil {
			level = cfg.SlogLevel()
		}
		// Initialize structured logger with text format for readability
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("device", "", "Device name as used in build names")
	rootCmd.PersistentFlags().String("current-version", "", "Installed build name without extension")
	rootCmd.PersistentFlags().String("android-version", "", "Dotted platform version of the installed build")
	rootCmd.PersistentFlags().String("path-base", "/data/deltaota", "Directory for downloads and rebuilt images")
	rootCmd.PersistentFlags().String("state-db-path", "", "SQLite database path (default <path-base>/.state/state.db)")
	rootCmd.PersistentFlags().String("fsm-db-path", "", "FSM BoltDB directory (default <path-base>/.state/fsm)")
	rootCmd.PersistentFlags().String("url-base-delta", "", "Base URL of delta manifests")
	rootCmd.PersistentFlags().String("url-base-update", "", "Base URL of delta and signature payloads")
	rootCmd.PersistentFlags().String("url-base-full", "", "Base URL of full builds")
	rootCmd.PersistentFlags().String("url-base-json", "", "URL of the build index")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// bases")
	rootCmd.PersistentFlags().Bool("apply-signature", true, "Apply the signature delta to the final image")
	rootCmd.PersistentFlags().Int64("max-artifact-size", 4*1024*1024*1024, "Max artifact size in bytes")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("current-version", rootCmd.PersistentFlags().Lookup("current-version"))
	viper.BindPFlag("android-version", rootCmd.PersistentFlags().Lookup("android-version"))
	viper.BindPFlag("path-base", rootCmd.PersistentFlags().Lookup("path-base"))
	viper.BindPFlag("state-db-path", rootCmd.PersistentFlags().Lookup("state-db-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("url-base-delta", rootCmd.PersistentFlags().Lookup("url-base-delta"))
	viper.BindPFlag("url-base-update", rootCmd.PersistentFlags().Lookup("url-base-update"))
	viper.BindPFlag("url-base-full", rootCmd.PersistentFlags().Lookup("url-base-full"))
	viper.BindPFlag("url-base-json", rootCmd.PersistentFlags().Lookup("url-base-json"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("apply-signature", rootCmd.PersistentFlags().Lookup("apply-signature"))
	viper.BindPFlag("max-artifact-size", rootCmd.PersistentFlags().Lookup("max-artifact-size"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}
