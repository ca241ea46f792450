package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/agent"
	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/connectivity"
	"github.com/consultease/deskunit/internal/core/auth"
	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/core/db"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
	"github.com/consultease/deskunit/internal/recovery"
	"github.com/consultease/deskunit/internal/store"
	"github.com/consultease/deskunit/internal/transport"
	"github.com/consultease/deskunit/internal/types"
)

const Version = "0.1.0"

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the desk unit agent",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().Int("http-port", 0, "diagnostics HTTP port (overrides config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if cmd.Flags().Changed("http-port") {
		port, _ := cmd.Flags().GetInt("http-port")
		cfg.HTTPPort = port
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	var migrationID string
	checkQuery := `SELECT migration_id FROM migrations WHERE migration_id = '001_initial_schema.sql'`
	err = database.Get(&migrationID, database.Rebind(checkQuery))
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("migration 001_initial_schema not applied - run 'deskunit migrate' first")
		}
		return fmt.Errorf("failed to check migrations: %w", err)
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	// Signing is optional: units without DESK_HMAC_SECRET publish unsigned.
	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	var signer *auth.Signer
	if len(secrets) > 0 {
		signer, err = auth.NewSigner(secrets)
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}
		logger.Info("payload signing enabled", zap.String("key_id", signer.KeyID()))
	} else {
		logger.Warn("no HMAC secrets configured, publishing unsigned payloads")
	}

	clk := clock.NewSystem()

	st := store.New(queries, cfg.MinWriteInterval, logger)

	q := queue.NewManager(queue.Config{
		Capacities: map[types.MessageClass]int{
			types.ClassResponse:          cfg.Queue.CapacityResponses,
			types.ClassConsultationRelay: cfg.Queue.CapacityConsultations,
			types.ClassStatusUpdate:      cfg.Queue.CapacityStatusUpdates,
			types.ClassHeartbeat:         cfg.Queue.CapacityHeartbeats,
		},
		TotalCapacity:    cfg.Queue.TotalCapacity,
		MessageExpiry:    cfg.Queue.MessageExpiry,
		StarvationWindow: cfg.Queue.StarvationWindow,
	}, st, clk, logger)

	// TODO: swap in the HCI scanner once the BLE integration lands; the
	// simulator exercises the same detection path meanwhile.
	scanner := presence.NewSimScanner(clk, cfg.Beacon.MAC, cfg.Beacon.RSSIThreshold+5, 4)
	detector := presence.NewDetector(cfg.Beacon, scanner, clk, logger)

	client := transport.NewPahoClient(cfg.MQTT, logger)

	networkProbe, err := transport.NetworkProbe(cfg.MQTT.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	monitor := connectivity.NewMonitor(networkProbe, transport.TransportProbe(client),
		cfg.LinkDownThreshold, cfg.LinkUpThreshold, logger)

	publisher := transport.NewPublisher(client, q, clk, signer,
		cfg.MQTT.QoS, cfg.MQTT.PublishTimeout,
		cfg.Queue.RetryBackoffBase, cfg.Queue.RetryBackoffMax,
		cfg.Queue.MaxRetryAttempts, logger)

	rec := recovery.NewManager(monitor, q, logger)

	a := agent.New(cfg, clk, st, q, detector, monitor, publisher, rec, client, logger)
	if err := a.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	// A cold broker must not block boot; the monitor and auto-reconnect
	// bring the link up once it is reachable.
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Connect(connectCtx); err != nil {
		logger.Warn("initial broker connect failed", zap.Error(err))
	}
	cancelConnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting desk unit agent",
		zap.String("version", Version),
		zap.Int("faculty_id", cfg.FacultyID),
		zap.Int("http_port", cfg.HTTPPort))

	errChan := make(chan error, 2)
	go func() {
		errChan <- a.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	}
}
