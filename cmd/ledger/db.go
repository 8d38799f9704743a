package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/archive"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var dbCmd = &cobra.Command{
	Use:     "db",
	GroupID: "maint",
	Short:   "Manage the local ledger database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and apply pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		start := time.Now()
		withStore(func(ctx context.Context, store *db.Store) {
			applied, err := store.Migrations(ctx)
			if err != nil {
				fatalf("reading migrations: %v", err)
			}
			fmt.Printf("%s Database ready in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Path: %s\n", store.Path())
			fmt.Printf("   Migrations: %d applied\n", len(applied))
		})
	},
}

var dbMigrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List applied migrations",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, store *db.Store) {
			applied, err := store.Migrations(ctx)
			if err != nil {
				fatalf("reading migrations: %v", err)
			}
			if structured(os.Stdout, applied) {
				return
			}
			rows := make([][]string, 0, len(applied))
			for _, m := range applied {
				rows = append(rows, []string{m.Name, m.AppliedAt.Local().Format(time.DateTime)})
			}
			ui.Table(os.Stdout, []string{"MIGRATION", "APPLIED"}, rows)
		})
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the local database and start empty",
	Long: `Delete the local database file and recreate an empty one. Records that
were never synced are lost unless --backup is given.

Use this when 'ledger' reports that the database cannot be initialized.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		backup, _ := cmd.Flags().GetBool("backup")

		if !yes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("refusing to reset without --yes")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete %s?", cfg.DB.Path)).
				Description("Pending records that were never synced will be lost.").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled.")
				return
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		// A broken store cannot be opened, so reset through an uninitialized one.
		store := db.New(storeConfig())
		defer func() { _ = store.Close() }()

		if backup {
			path := archive.DefaultPath(filepath.Dir(cfg.DB.Path), time.Now())
			res, err := archive.ExportFile(ctx, store, path)
			if err != nil {
				var initErr *db.InitError
				if !errors.As(err, &initErr) {
					fatalf("backup failed, database left untouched: %v", err)
				}
				fmt.Printf("%s Database unreadable, no backup written: %v\n", ui.RenderWarn("⚠"), initErr)
			} else {
				fmt.Printf("%s Backed up %d donation(s) and %d expense(s) to %s\n",
					ui.RenderPass("✓"), res.Donations, res.Expenses, res.Path)
			}
		}

		if err := store.Reset(ctx); err != nil {
			fatalf("resetting database: %v", err)
		}
		fmt.Printf("%s Database reset: %s\n", ui.RenderPass("✓"), store.Path())
	},
}

func init() {
	dbResetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	dbResetCmd.Flags().Bool("backup", false, "export records to a JSONL file before deleting")
	dbCmd.AddCommand(dbInitCmd, dbMigrationsCmd, dbResetCmd)
	rootCmd.AddCommand(dbCmd)
}
