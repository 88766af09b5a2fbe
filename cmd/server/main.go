package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	_ "github.com/mattn/go-sqlite3"

	"intelligence-coordinator/internal/api"
	"intelligence-coordinator/internal/config"
	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/directory"
	"intelligence-coordinator/internal/dispatch"
	"intelligence-coordinator/internal/queue"
	"intelligence-coordinator/internal/sweeper"
	"intelligence-coordinator/internal/websocket"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Coordinator for autonomous scraping producers",
		Long: `The coordinator admits producers one at a time through a persisted
FIFO ticket queue, dispatches eligible intelligences, accounts bounded
retries, and archives terminal records.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server and housekeeping sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one housekeeping sweep and exit (for external schedulers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweepOnce(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Open database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Initialize database schema
	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Println("[INIT] Database initialized")

	// Create WebSocket manager
	wsManager := websocket.New(db)

	// Assemble the dispatch core
	admission := queue.New(db, cfg.QueuePollInterval(), cfg.QueueWaitTimeout())
	dir := directory.NewSQLDirectory(db)
	filter := dispatch.NewEligibilityFilter(db, dir, dir, cfg.DispatchBatchSize)
	coordinator := dispatch.NewCoordinator(db, admission, filter, cfg.MaxFailures, wsManager.Broadcast)

	// Start the housekeeping sweep
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(admission, cfg.SweepInterval(), cfg.TicketMaxAge(), ctx, wsManager.Broadcast)
	go sw.Start()

	// Create API server
	apiServer := api.NewServer(db, coordinator, wsManager, cfg.RequestsPerMinute)

	// Setup routes
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	// Start HTTP server
	log.Printf("[INIT] Coordinator listening on %s", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, mux)
}

func sweepOnce(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	admission := queue.New(db, cfg.QueuePollInterval(), cfg.QueueWaitTimeout())
	n, err := admission.SweepExpired(cfg.TicketMaxAge())
	if err != nil {
		return err
	}
	log.Printf("[SWEEP] Done, evicted %d tickets", n)
	return nil
}
