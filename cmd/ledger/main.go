// Command ledger is the operator CLI for the offline-first donation and
// expense ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/config"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/logging"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var (
	cfgFile      string
	outputFormat string

	v      *viper.Viper
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Offline-first donation and expense ledger",
	Long: `Record donations and expenses on this device and sync them to the
server when a connection is available.

Records are saved locally first with status "pending". "ledger sync push"
uploads them in signed batches; the daemon does the same in the background.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		v = config.New(cfgFile)
		for key, flag := range map[string]string{"db.path": "db", "log.level": "log-level"} {
			if f := cmd.Flags().Lookup(flag); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}

		loaded, err := config.Load(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		logger = logging.Must(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})

		switch outputFormat {
		case "text", "json", "yaml":
		default:
			fmt.Fprintf(os.Stderr, "Error: --output must be text, json or yaml\n")
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ledger.toml in . or the data directory)")
	rootCmd.PersistentFlags().String("db", "", "path to the ledger database")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// fatalf prints an error and exits with status 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func storeConfig() db.Config {
	c := db.DefaultConfig(cfg.DB.Path)
	c.PoolSize = cfg.DB.PoolSize
	c.BulkChunkSize = cfg.DB.BulkChunkSize
	c.Logger = logger
	return c
}

// openStore opens and migrates the store, exiting with a reset hint when
// the store cannot be brought up.
func openStore(ctx context.Context) *db.Store {
	store, err := db.Open(ctx, storeConfig())
	if err != nil {
		var initErr *db.InitError
		if errors.As(err, &initErr) {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), initErr)
			fmt.Fprintf(os.Stderr, "   The ledger database at %s cannot be used.\n", cfg.DB.Path)
			fmt.Fprintf(os.Stderr, "   Back it up with 'ledger export' if possible, then run 'ledger db reset'.\n")
			os.Exit(1)
		}
		fatalf("opening ledger database: %v", err)
	}
	return store
}

// newOrchestrator wires the sync orchestrator to the configured server and
// the OS keychain.
func newOrchestrator(store *db.Store, notifier ledgersync.Notifier) *ledgersync.Orchestrator {
	client, err := ledgersync.NewClient(cfg.Server.URL, cfg.Sync.RequestTimeout, logger)
	if err != nil {
		fatalf("%v", err)
	}
	probe, err := ledgersync.NewDialProbe(cfg.Server.URL, 0, logger)
	if err != nil {
		fatalf("%v", err)
	}
	if notifier == nil {
		notifier = ledgersync.LogNotifier{Logger: logger}
	}

	orch, err := ledgersync.New(ledgersync.Options{
		Store:         store,
		Remote:        client,
		Credentials:   ledgersync.NewKeyringCredentials(cfg.Keyring.Service),
		Connectivity:  probe,
		Notifier:      notifier,
		Logger:        logger,
		BatchSize:     cfg.Sync.BatchSize,
		PullChunkSize: cfg.Sync.PullChunkSize,
	})
	if err != nil {
		fatalf("%v", err)
	}
	return orch
}

// structured writes v as JSON or YAML per --output and reports whether it
// did. Text output is left to the caller.
func structured(w io.Writer, v any) bool {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fatalf("encoding output: %v", err)
		}
		return true
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			fatalf("encoding output: %v", err)
		}
		_ = enc.Close()
		return true
	}
	return false
}
