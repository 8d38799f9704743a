package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/config"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/archive"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [path]",
	GroupID: "maint",
	Short:   "Write every record to a JSONL backup file",
	Long: `Write every donation and expense, with its sync status, to a JSONL file.
Use "-" for stdout. Without a path the file is created in the data directory.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := archive.DefaultPath(config.DataDir(), time.Now())
		if len(args) == 1 {
			path = args[0]
		}

		withStore(func(ctx context.Context, store *db.Store) {
			if path == "-" {
				if _, err := archive.Export(ctx, store, os.Stdout); err != nil {
					fatalf("%v", err)
				}
				return
			}
			res, err := archive.ExportFile(ctx, store, path)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s Exported %d donation(s) and %d expense(s)\n", ui.RenderPass("✓"), res.Donations, res.Expenses)
			fmt.Printf("   File: %s\n", res.Path)
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <path>",
	GroupID: "maint",
	Short:   "Restore records from a JSONL backup file",
	Long: `Restore records written by 'ledger export'. Every line is validated first;
nothing is written if any line is invalid. Records with an existing id are
replaced.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		withStore(func(ctx context.Context, store *db.Store) {
			res, err := archive.ImportFile(ctx, store, args[0], archive.ImportOptions{
				ChunkSize: cfg.DB.BulkChunkSize,
				DryRun:    dryRun,
			})
			var lineErr *archive.LineError
			if errors.As(err, &lineErr) {
				fatalf("%s is not a valid backup, nothing imported: %v", args[0], lineErr)
			}
			if err != nil {
				fatalf("%v", err)
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d donation(s) and %d expense(s) from %d line(s)\n",
				ui.RenderPass("✓"), verb, res.Donations, res.Expenses, res.Lines)
		})
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate the file without writing")
	rootCmd.AddCommand(exportCmd, importCmd)
}
