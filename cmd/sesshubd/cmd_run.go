package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sesshub/sesshub/internal/database"
	"github.com/sesshub/sesshub/internal/host/agent"
	"github.com/sesshub/sesshub/internal/host/config"
	"github.com/sesshub/sesshub/internal/host/eventlog"
	"github.com/sesshub/sesshub/internal/host/home"
	"github.com/sesshub/sesshub/internal/host/supervisor"
	"github.com/sesshub/sesshub/internal/host/uplink"
	"github.com/sesshub/sesshub/internal/logging"
)

func runCmd() *cobra.Command {
	var gatewayURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), gatewayURL)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "Gateway websocket URL (overrides config and stored credentials)")
	return cmd
}

func runDaemon(ctx context.Context, gatewayOverride string) error {
	homeDir, err := config.HomeDir()
	if err != nil {
		return err
	}
	h := home.New(homeDir)
	if err := h.Ensure(); err != nil {
		return err
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	log, logCloser, err := logging.New(logging.Options{
		Level:    logging.ParseLevel(cfg.LogLevel),
		Console:  os.Stderr,
		FilePath: h.LogFile(),
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pidLock, err := h.AcquirePID(ctx)
	if err != nil {
		return err
	}
	defer pidLock.Release()

	creds, err := h.LoadCredentials()
	if err != nil {
		return err
	}

	// Connect to the gateway named at login unless config or the flag says
	// otherwise.
	gatewayURL := cfg.GatewayURL
	if creds.GatewayURL != "" {
		gatewayURL = creds.GatewayURL
	}
	if gatewayOverride != "" {
		gatewayURL = gatewayOverride
	}

	machineID, err := h.MachineID(cfg.MachineID)
	if err != nil {
		return err
	}
	hostID := creds.HostID
	if hostID == "" {
		hostID = machineID
	}

	db, err := database.Open(ctx, h.EventsDBPath())
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer db.Close()

	clientVersion := cfg.ClientVersion
	if clientVersion == "" {
		clientVersion = version
	}

	store := eventlog.NewStore(db, hostID, log)
	pool := agent.NewPool(log, cfg.ClientName, clientVersion)
	backends := agent.Apply(agent.Presets(), cfg.Backends)
	ordered := make([]*agent.Backend, 0, len(backends))
	for _, id := range agent.IDs(backends) {
		ordered = append(ordered, backends[id])
	}

	sup := supervisor.New(log, store, pool, ordered, supervisor.Options{
		HostID:         hostID,
		WorktreeBase:   cfg.WorktreeBaseDir,
		DefaultBackend: cfg.DefaultBackend,
	})

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	up := uplink.New(log, sup, uplink.Options{
		URL:      gatewayURL,
		APIKey:   creds.APIKey,
		HostID:   hostID,
		Hostname: hostname,
		Version:  clientVersion,
	})

	log.Info("daemon starting",
		"host_id", hostID,
		"gateway", gatewayURL,
		"backends", agent.IDs(backends),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return up.Run(gctx) })
	if cfg.Compaction.Enabled {
		g.Go(func() error {
			compactLoop(gctx, log, store, cfg.Compaction.RetainDays)
			return nil
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("daemon stopped")
	return nil
}

// compactLoop sweeps the event log once at startup and then daily.
func compactLoop(ctx context.Context, log *slog.Logger, store *eventlog.Store, retainDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if removed, err := store.Compact(ctx, retainDays); err != nil {
			log.Warn("event log compaction failed", "error", err)
		} else if removed > 0 {
			log.Info("event log compacted", "removed_events", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
