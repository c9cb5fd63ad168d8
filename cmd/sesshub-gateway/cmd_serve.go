package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sesshub/sesshub/internal/gateway/server"
	"github.com/sesshub/sesshub/internal/logging"
)

func serveCmd() *cobra.Command {
	var listenAddr, configPath, logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, closer, err := logging.New(logging.Options{
				Level:   logging.ParseLevel(logLevel),
				Console: os.Stderr,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(log, server.Opts{
				ListenAddr: listenAddr,
				ConfigPath: configPath,
			})
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to listen on (e.g. :8080), overrides config")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the gateway config file (overrides SESSHUB_GATEWAY_CONFIG)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}
