package commands

import (
	"fmt"
	"strings"

	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent passes and their outcome",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of passes to show")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	passes, err := store.ListPasses(listLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(passes) == 0 {
		fmt.Println("No passes found")
		return nil
	}

	fmt.Printf("%-38s %-7s %-10s %-24s %-20s %s\n", "PASS", "MODE", "STATE", "ERROR", "STARTED", "READY FILE")
	fmt.Println("--------------------------------------------------------------------------------------------------------------------")

	for _, p := range passes {
		// Pad before coloring so escape codes do not break the columns.
		state := strings.Replace(fmt.Sprintf("%-10s", p.State), p.State, colorOutcome(p.State), 1)
		fmt.Printf("%-38s %-7s %s %-24s %-20s %s\n",
			p.ID, p.Mode, state, orDash(p.ErrorKind), p.StartedAt, orDash(p.ReadyFilename))
	}

	return nil
}
