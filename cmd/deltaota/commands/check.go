package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/errors"
	appfsm "github.com/fly-io/deltaota/pkg/fsm"
	"github.com/fly-io/deltaota/pkg/metrics"
	"github.com/fly-io/deltaota/pkg/updater"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var (
	checkUserInitiated bool
	checkNotAllowed    bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one resolution pass",
	Long: `Checks for a newer build and, depending on --mode, downloads and rebuilds it:
  check   resolve and size the update only
  delta   download and apply delta payloads
  full    also download the full build when it is the better choice`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("mode", "delta", "Pass mode (check, delta, full)")
	checkCmd.Flags().Bool("unattended", false, "Escalate on the first failure")
	checkCmd.Flags().String("metrics-textfile", "", "Write pass metrics to this textfile")
	checkCmd.Flags().String("patch-command", "xdelta3", "Binary patch tool")
	checkCmd.Flags().String("normalize-command", "", "Tool that converts official images to store form")
	checkCmd.Flags().BoolVar(&checkUserInitiated, "user", true, "Pass was requested by the user")
	checkCmd.Flags().BoolVar(&checkNotAllowed, "not-allowed", false, "Scheduler conditions forbid network use")

	viper.BindPFlag("mode", checkCmd.Flags().Lookup("mode"))
	viper.BindPFlag("unattended", checkCmd.Flags().Lookup("unattended"))
	viper.BindPFlag("metrics-textfile", checkCmd.Flags().Lookup("metrics-textfile"))
	viper.BindPFlag("patch-command", checkCmd.Flags().Lookup("patch-command"))
	viper.BindPFlag("normalize-command", checkCmd.Flags().Lookup("normalize-command"))
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.ValidatePass(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	mode, err := appfsm.ParseMode(cfg.Mode)
	if err != nil {
		return errors.Wrap(err, "config invalid")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.StateDBPath, cfg.FSMDBPath, cfg.PathBase); err != nil {
		return err
	}

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.store.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	if _, err := p.machine.Register(ctx, manager); err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	svc := updater.New(p.machine, updater.Config{
		NotifyThreshold: cfg.FailureNotifyThreshold,
		History:         p.store,
		Metrics:         metrics.New(),
		MetricsTextfile: cfg.MetricsTextfile,
		Received:        p.downloader.Received,
	})

	id, ok := svc.Start(ctx, updater.Request{
		Mode:          mode,
		UserInitiated: checkUserInitiated,
		Unattended:    cfg.Unattended,
		Allowed:       !checkNotAllowed,
	})
	if !ok {
		return fmt.Errorf("a pass is already running")
	}
	slog.Info("pass started", "pass_id", id, "mode", mode)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()

	printer := newProgressPrinter()
	for waiting := true; waiting; {
		select {
		case ev := <-svc.Events():
			printer.print(ev)
		case <-sigs:
			color.Yellow("Cancelling after the current step...")
			svc.Cancel()
		case <-done:
			waiting = false
		}
	}
	for drained := false; !drained; {
		select {
		case ev := <-svc.Events():
			printer.print(ev)
		default:
			drained = true
		}
	}

	res, _ := svc.Last()
	return report(res)
}

func report(res updater.Result) error {
	fmt.Printf("Outcome: %s\n", colorOutcome(string(res.Outcome)))
	switch res.Outcome {
	case appfsm.OutcomeReady:
		fmt.Printf("Ready:   %s\n", res.ReadyFilename)
	case appfsm.OutcomeUpdateAvailable:
		fmt.Printf("Update:  %s (%s)\n", orDash(res.LatestFull), formatSize(res.DownloadSize))
	case appfsm.OutcomeError:
		if res.Notify {
			color.Red("Update failed %d times in a row", res.ConsecutiveFailures)
		}
		return errors.Wrap(res.Err, "pass failed")
	}
	return nil
}

type progressPrinter struct {
	lastState string
	lastLine  time.Time
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{}
}

func (p *progressPrinter) print(ev appfsm.Status) {
	if ev.State != p.lastState {
		p.lastState = ev.State
		color.Cyan("==> %s", ev.State)
	}
	if ev.Total <= 0 && ev.Percent == 0 {
		return
	}
	// At most one line per second until the step completes.
	if time.Since(p.lastLine) < time.Second && ev.Percent < 100 {
		return
	}
	p.lastLine = time.Now()
	fmt.Printf("    %-48s %5.1f%%  %s / %s\n", ev.Label, ev.Percent, formatSize(ev.Current), formatSize(ev.Total))
}
