package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/config"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/daemon"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/dashboard"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Upload pending records in the background",
	Long: `Run in the foreground and keep the server up to date:

  - push once at startup
  - push every sync.interval
  - push shortly after other 'ledger' commands write to the database
  - refresh the status snapshot every daemon.status_interval

Only one daemon may run per database. Edits to the config file are picked up
without a restart.

Examples:
  ledger daemon
  ledger daemon --dashboard --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		runDaemon(withDashboard, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run the daemon with a live WebSocket dashboard",
	Long: `Run the sync daemon and serve its status and sync outcomes over WebSocket.

WebSocket messages:
- status: activation, connectivity and pending counts
- sync_complete / sync_failed: outcome of a push cycle
- pull_complete / pull_failed: outcome of a historical pull

Connect with a WebSocket client:
  ws://localhost:8765/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		runDaemon(true, port)
	},
}

func daemonConfig(c *config.Config) daemon.Config {
	return daemon.Config{
		StorePath:      c.DB.Path,
		SyncInterval:   c.Sync.Interval,
		StatusInterval: c.Daemon.StatusInterval,
		Debounce:       c.Daemon.Debounce,
		Logger:         logger,
	}
}

func runDaemon(withDashboard bool, port int) {
	ctx, cancel := signalContext()
	defer cancel()
	store := openStore(ctx)
	defer func() { _ = store.Close() }()

	notifiers := ledgersync.Notifiers{ledgersync.LogNotifier{Logger: logger}}
	var publisher daemon.StatusPublisher
	var server *dashboard.Server
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{Host: "localhost", Port: port, Logger: logger})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("dashboard shutdown failed", zap.Error(err))
			}
		}()
		handler := dashboard.NewHandler(server, logger)
		notifiers = append(notifiers, handler)
		publisher = handler
	}

	orch := newOrchestrator(store, notifiers)
	d, err := daemon.New(orch, publisher, daemonConfig(cfg))
	if err != nil {
		fatalf("%v", err)
	}

	config.Watch(v, func(next *config.Config) {
		if next.DB.Path != cfg.DB.Path {
			logger.Warn("db.path changed; restart the daemon to use the new database", zap.String("path", next.DB.Path))
		}
		next.DB.Path = cfg.DB.Path
		if err := d.Reconfigure(daemonConfig(next)); err != nil {
			logger.Warn("ignoring config change", zap.Error(err))
			return
		}
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Warn("ignoring invalid config change", zap.Error(err))
	})

	fmt.Printf("%s Sync daemon running for %s\n", ui.RenderAccent("🔄"), store.Path())
	fmt.Printf("   Server: %s, every %v\n", cfg.Server.URL, cfg.Sync.Interval)
	if server != nil {
		fmt.Printf("   Dashboard: http://%s\n", server.Addr())
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.Addr())
	}
	fmt.Println("\nPress Ctrl+C to stop...")

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "%s A daemon is already running for %s\n", ui.RenderWarn("⚠"), store.Path())
			os.Exit(1)
		}
		fatalf("%v", err)
	}
	fmt.Println("\nDaemon stopped")
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")
	for _, c := range []*cobra.Command{daemonCmd, dashboardCmd} {
		c.Flags().IntP("port", "p", 0, "dashboard port (default from config)")
	}
	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
