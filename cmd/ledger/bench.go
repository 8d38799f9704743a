package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/loadtest"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure store throughput under concurrent operators",
	Long: `Create a scratch database, fill it with generated records, then run many
concurrent operators that save, list, search and count at the same time.
Reports per-operation latency, pool recoveries and retry attempts, and checks
that no saved record was lost.

The scratch database is deleted afterwards unless --keep is given. Your
ledger database is never touched.

Examples:
  ledger loadtest
  ledger loadtest --workers 50 --ops 200 --records 5000
  ledger loadtest --write-ratio 0.8 -o json`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("workers", 20, "concurrent operators")
	loadtestCmd.Flags().Int("ops", 50, "operations per operator")
	loadtestCmd.Flags().Int("records", 1000, "records to create before the run")
	loadtestCmd.Flags().Float64("write-ratio", 0.3, "fraction of operations that save (0.0-1.0)")
	loadtestCmd.Flags().Int64("seed", 42, "random seed for the operation mix")
	loadtestCmd.Flags().Int("pool", 0, "connection pool size (default from config)")
	loadtestCmd.Flags().Bool("keep", false, "keep the scratch database")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	opts := loadtest.DefaultOptions()
	opts.Workers, _ = cmd.Flags().GetInt("workers")
	opts.OpsPerWorker, _ = cmd.Flags().GetInt("ops")
	opts.WriteRatio, _ = cmd.Flags().GetFloat64("write-ratio")
	opts.Seed, _ = cmd.Flags().GetInt64("seed")
	records, _ := cmd.Flags().GetInt("records")
	poolSize, _ := cmd.Flags().GetInt("pool")
	keep, _ := cmd.Flags().GetBool("keep")

	if opts.Workers <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --workers must be positive\n")
		os.Exit(1)
	}
	if opts.OpsPerWorker <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --ops must be positive\n")
		os.Exit(1)
	}
	if records < 0 {
		fmt.Fprintf(os.Stderr, "Error: --records must not be negative\n")
		os.Exit(1)
	}
	if opts.WriteRatio < 0 || opts.WriteRatio > 1 {
		fmt.Fprintf(os.Stderr, "Error: --write-ratio must be between 0.0 and 1.0\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "ledger-loadtest-")
	if err != nil {
		fatalf("creating scratch directory: %v", err)
	}
	if !keep {
		defer os.RemoveAll(dir)
	}

	ctx, cancel := signalContext()
	defer cancel()

	storeCfg := storeConfig()
	storeCfg.Path = filepath.Join(dir, "loadtest.db")
	if poolSize > 0 {
		storeCfg.PoolSize = poolSize
	}
	store, err := db.Open(ctx, storeCfg)
	if err != nil {
		fatalf("opening scratch database: %v", err)
	}
	defer func() { _ = store.Close() }()

	if outputFormat == "text" {
		fmt.Printf("%s Populating %d records...\n", ui.RenderAccent("⏳"), records)
	}
	if err := loadtest.Populate(ctx, store, records, time.Now()); err != nil {
		fatalf("populating: %v", err)
	}

	if outputFormat == "text" {
		fmt.Printf("%s Running %d workers x %d ops (%.0f%% writes)...\n",
			ui.RenderAccent("🏃"), opts.Workers, opts.OpsPerWorker, opts.WriteRatio*100)
	}
	result, err := loadtest.Run(ctx, store, opts)
	if err != nil {
		fatalf("%v", err)
	}
	lostErr := loadtest.VerifyNoLostWrites(ctx, store, records, result)

	if !structured(os.Stdout, result) {
		fmt.Println()
		result.Print(os.Stdout)
		fmt.Println()
		if lostErr == nil {
			fmt.Printf("%s No lost writes\n", ui.RenderPass("✓"))
		}
		if keep {
			fmt.Printf("   Scratch database kept at %s\n", storeCfg.Path)
		}
	}
	if lostErr != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), lostErr)
		os.Exit(1)
	}
}
