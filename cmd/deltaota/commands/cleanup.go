package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/db"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/updater"
	"github.com/spf13/cobra"
)

var (
	cleanupAll      bool
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover artifacts from the artifact directory",
	Long: `Clean up files in path-base:
  --orphaned   Remove temp slots and delta/signature payloads the state does not reference
  --all        Remove every artifact except the installed image and reset the pipeline state`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean everything and reset state")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean unreferenced files")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cleanupAll {
		return cleanupEverything(store, cfg)
	} else if cleanupOrphaned {
		return cleanupOrphanedFiles(store, cfg)
	} else {
		return fmt.Errorf("must specify --all or --orphaned")
	}
}

func removeAll(paths []string) int {
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", p, err)
			continue
		}
		fmt.Printf("🗑️  Removed: %s\n", p)
		removed++
	}
	return removed
}

func cleanupOrphanedFiles(store *db.Store, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for orphaned files...")

	st, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "state load failed")
	}
	orphans, err := updater.Orphans(cfg.PathBase, cfg.ImageExtension, st)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Removed %d orphaned files\n", removeAll(orphans))
	return nil
}

func cleanupEverything(store *db.Store, cfg *config.Config) error {
	st, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "state load failed")
	}

	installed := ""
	if cfg.CurrentVersion != "" {
		installed = filepath.Join(cfg.PathBase, cfg.CurrentVersion+cfg.ImageExtension)
	}
	orphans, err := updater.Artifacts(cfg.PathBase, st.CurrentFilename, installed)
	if err != nil {
		return err
	}
	fmt.Printf("🧹 Cleaning up %d files...\n", len(orphans))
	removed := removeAll(orphans)

	if err := store.Reset(); err != nil {
		return errors.Wrap(err, "state reset failed")
	}
	if st.CurrentFilename != "" {
		if err := store.Commit(db.PipelineState{DownloadSize: -1, CurrentFilename: st.CurrentFilename}); err != nil {
			return errors.Wrap(err, "state reset failed")
		}
	}

	fmt.Printf("✅ Removed %d files and reset state\n", removed)
	return nil
}
