package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted pipeline state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "state load failed")
	}
	failures, err := store.ConsecutiveFailures()
	if err != nil {
		return errors.Wrap(err, "history load failed")
	}

	ready := orDash(st.ReadyFilename)
	if st.ReadyFilename != "" {
		ready = color.GreenString(ready)
	}
	fmt.Printf("%-22s %s\n", "Ready file:", ready)
	fmt.Printf("%-22s %v\n", "Signed:", st.DeltaSignature)
	fmt.Printf("%-22s %s\n", "Latest full build:", orDash(st.LatestFullName))
	fmt.Printf("%-22s %s\n", "Latest delta target:", orDash(st.LatestDeltaName))
	fmt.Printf("%-22s %s\n", "Download size:", formatSize(st.DownloadSize))
	fmt.Printf("%-22s %s\n", "Initial file:", orDash(st.InitialFile))
	fmt.Printf("%-22s %s\n", "Installed file:", orDash(st.CurrentFilename))
	fmt.Printf("%-22s %s\n", "Last check:", formatMillis(st.LastCheck))
	fmt.Printf("%-22s %s\n", "Last check attempt:", formatMillis(st.LastCheckAttempt))

	failureLine := fmt.Sprintf("%d", failures)
	if failures >= cfg.FailureNotifyThreshold {
		failureLine = color.RedString(failureLine)
	}
	fmt.Printf("%-22s %s\n", "Consecutive failures:", failureLine)
	return nil
}
