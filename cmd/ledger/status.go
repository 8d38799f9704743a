package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

// statusView is what "ledger status" prints in structured formats.
type statusView struct {
	Sync   *ledgersync.Status `json:"sync" yaml:"sync"`
	Ledger db.Stats           `json:"ledger" yaml:"ledger"`
	Store  string             `json:"store" yaml:"store"`
	Server string             `json:"server" yaml:"server"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show activation, connectivity and pending records",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()
		orch := newOrchestrator(store, nil)

		st, err := orch.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync status: %v\n", err)
			os.Exit(1)
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading ledger totals: %v\n", err)
			os.Exit(1)
		}

		view := statusView{Sync: st, Ledger: stats, Store: store.Path(), Server: cfg.Server.URL}
		if structured(os.Stdout, view) {
			return
		}

		fmt.Printf("\n%s Ledger Status\n\n", ui.RenderAccent("📒"))
		if st.Activated {
			fmt.Printf("  Account:   %s %s\n", ui.RenderPass("✓"), st.Username)
		} else {
			fmt.Printf("  Account:   %s not activated (run 'ledger login')\n", ui.RenderWarn("⚠"))
		}
		if st.Online {
			fmt.Printf("  Server:    %s %s\n", ui.RenderPass("●"), cfg.Server.URL)
		} else {
			fmt.Printf("  Server:    %s %s (offline)\n", ui.RenderFail("●"), cfg.Server.URL)
		}
		fmt.Printf("  Store:     %s\n\n", store.Path())

		ui.Table(os.Stdout, []string{"KIND", "TOTAL", "PENDING", "SUM"}, [][]string{
			{"donations", fmt.Sprint(stats.Donations.Total), pendingCell(stats.Donations.Pending), stats.Donations.Sum.StringFixed(2)},
			{"expenses", fmt.Sprint(stats.Expenses.Total), pendingCell(stats.Expenses.Pending), stats.Expenses.Sum.StringFixed(2)},
		})

		if stats.PendingTotal() > 0 && st.Activated && st.Online {
			fmt.Printf("\n  Run 'ledger sync push' to upload %d pending record(s).\n", stats.PendingTotal())
		}
		fmt.Println()
	},
}

func pendingCell(n int) string {
	if n == 0 {
		return ui.RenderPass("0")
	}
	return ui.RenderWarn(fmt.Sprint(n))
}

func printPushReport(report *ledgersync.Report) {
	if report == nil {
		return
	}
	for _, kr := range report.Kinds {
		if kr.Pending == 0 {
			fmt.Printf("   %s: nothing pending\n", kr.Kind)
			continue
		}
		line := fmt.Sprintf("   %s: %d synced in %d batch(es)", kr.Kind, kr.Synced, kr.Batches)
		if kr.Failed > 0 {
			line += ", " + ui.RenderFail(fmt.Sprintf("%d still pending", kr.Failed))
		}
		if kr.Unmarked > 0 {
			line += ", " + ui.RenderWarn(fmt.Sprintf("%d will be re-sent", kr.Unmarked))
		}
		fmt.Println(line)
	}
	fmt.Printf("   Took %v\n", report.Duration.Round(time.Millisecond))
}

func printPullReport(report *ledgersync.PullReport) {
	if report == nil {
		return
	}
	fmt.Printf("   Records since %s:\n", report.Cutoff)
	for _, kr := range report.Kinds {
		line := fmt.Sprintf("   %s: %d received, %d saved", kr.Kind, kr.Received, kr.Saved)
		if kr.Skipped > 0 {
			line += fmt.Sprintf(", %d already synced", kr.Skipped)
		}
		if kr.Fallback {
			line += " " + ui.RenderMuted("(saved one by one)")
		}
		fmt.Println(line)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
