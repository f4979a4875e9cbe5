package commands

import (
	"fmt"
	"time"

	"github.com/kforge-dev/kforge/pkg/engine"
	"github.com/kforge-dev/kforge/pkg/history"
	"github.com/spf13/cobra"
)

var historyCount int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent builds recorded in the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := cfg.WorkspaceOr()
		if err != nil {
			return err
		}

		ledger := history.New(history.NewFileBackend(engine.HistoryPath(ws)))
		entries, err := ledger.Recent(historyCount)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no recorded builds")
			return nil
		}

		for _, e := range entries {
			ts := time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04:05")
			fmt.Printf("%s  %-10s %-24s changed=%d unchanged=%d skipped=%d warnings=%d (%dms)\n",
				ts, e.Mode, e.Module, e.Changed, e.Unchanged, e.Skipped, e.Warnings, e.DurationMS)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyCount, "count", "n", 10, "number of builds to show")
	historyCmd.Flags().StringVar(&cfg.PatchFile, "patch", "", "patch file, to locate the default workspace")
	historyCmd.Flags().StringVar(&cfg.Name, "name", "", "module name, to locate the default workspace")
}
