package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload and download records",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload pending records now",
	Long: `Upload every pending donation and expense in signed batches of
sync.batch_size, oldest first. Accepted records become synced. Rejected
batches stay pending and are retried on the next push.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, store *db.Store) {
			report, err := push(ctx, newOrchestrator(store, nil))
			if report != nil {
				structured(os.Stdout, report)
			}
			if err != nil {
				os.Exit(1)
			}
		})
	},
}

// push runs one cycle and prints its outcome. It returns the cycle error
// after printing it.
func push(ctx context.Context, orch *ledgersync.Orchestrator) (*ledgersync.Report, error) {
	if outputFormat == "text" {
		fmt.Printf("%s Uploading pending records...\n", ui.RenderAccent("🔄"))
	}
	report, err := orch.ManualSync(ctx)

	var batchErr *ledgersync.BatchError
	switch {
	case err == nil:
		if outputFormat == "text" {
			fmt.Printf("%s Sync complete: %d record(s) uploaded\n", ui.RenderPass("✓"), report.Synced())
			printPushReport(report)
		}
	case errors.Is(err, ledgersync.ErrAuthMissing):
		fmt.Fprintf(os.Stderr, "%s Account not activated. Run 'ledger login' first.\n", ui.RenderWarn("⚠"))
	case errors.Is(err, ledgersync.ErrOffline):
		fmt.Fprintf(os.Stderr, "%s Server unreachable; records stay pending.\n", ui.RenderWarn("⚠"))
	case errors.Is(err, ledgersync.ErrSyncInProgress):
		fmt.Fprintf(os.Stderr, "%s Another sync is running.\n", ui.RenderWarn("⚠"))
	case errors.As(err, &batchErr):
		fmt.Fprintf(os.Stderr, "%s %d record(s) did not sync and stay pending\n", ui.RenderFail("✗"), batchErr.Records())
		for _, f := range batchErr.Failures {
			fmt.Fprintf(os.Stderr, "   %s batch %d (%d records): %v\n", f.Kind, f.Index+1, f.Size, f.Err)
		}
		if outputFormat == "text" {
			printPushReport(report)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return report, err
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download this year's records from the server",
	Long: `Download the operator's donations and expenses dated on or after January 1
of the current year and store them as synced. Local pending copies of the
same records are overwritten with the server's version.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, store *db.Store) {
			orch := newOrchestrator(store, nil)
			if outputFormat == "text" {
				fmt.Printf("%s Downloading records...\n", ui.RenderAccent("🔄"))
			}
			report, err := orch.SyncHistorical(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if structured(os.Stdout, report) {
				return
			}
			fmt.Printf("%s Pull complete: %d record(s) saved\n", ui.RenderPass("✓"), report.Saved())
			printPullReport(report)
		})
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry [kind]",
	Short: "Move failed records back to pending",
	Long: `Move records marked failed back to pending so the next push offers them
again. Without a kind both donations and expenses are reset.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kinds := record.Kinds
		if len(args) == 1 {
			kind, err := record.ParseKind(args[0])
			if err != nil {
				fatalf("%v", err)
			}
			kinds = []record.Kind{kind}
		}
		andPush, _ := cmd.Flags().GetBool("push")

		withStore(func(ctx context.Context, store *db.Store) {
			total := 0
			for _, kind := range kinds {
				n, err := store.RetryFailed(ctx, kind)
				if err != nil {
					fatalf("resetting failed %s: %v", kind, err)
				}
				total += n
				fmt.Printf("   %s: %d reset to pending\n", kind, n)
			}
			fmt.Printf("%s %d failed record(s) will be offered again\n", ui.RenderPass("✓"), total)

			if andPush && total > 0 {
				if _, err := push(ctx, newOrchestrator(store, nil)); err != nil {
					os.Exit(1)
				}
			}
		})
	},
}

var syncMarkFailedCmd = &cobra.Command{
	Use:   "mark-failed <kind> <id>",
	Short: "Stop offering a pending record for upload",
	Long: `Mark a pending record failed so pushes skip it, for example when the server
keeps rejecting it. 'ledger sync retry' makes it pending again.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := record.ParseKind(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		withStore(func(ctx context.Context, store *db.Store) {
			err := store.UpdateSyncStatus(ctx, kind, args[1], record.StatusFailed)
			switch {
			case errors.Is(err, db.ErrNotFound):
				fatalf("%s %s not found", kind.Singular(), args[1])
			case errors.Is(err, db.ErrInvalidTransition):
				fatalf("%v (only pending records can be marked failed)", err)
			case err != nil:
				fatalf("%v", err)
			}
			fmt.Printf("%s %s %s marked failed\n", ui.RenderPass("✓"), kind.Singular(), args[1])
		})
	},
}

func init() {
	syncRetryCmd.Flags().Bool("push", false, "push right after resetting")
	syncCmd.AddCommand(syncPushCmd, syncPullCmd, syncRetryCmd, syncMarkFailedCmd)
	rootCmd.AddCommand(syncCmd)
}
