package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sesshub/sesshub/internal/host/config"
	"github.com/sesshub/sesshub/internal/host/home"
	"github.com/sesshub/sesshub/internal/host/procutil"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(_ *cobra.Command, _ []string) error {
			return status()
		},
	}
}

func status() error {
	homeDir, err := config.HomeDir()
	if err != nil {
		return err
	}
	h := home.New(homeDir)

	running := color.New(color.FgGreen)
	stopped := color.New(color.FgYellow)

	pid, err := h.ReadPID()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Println(stopped.Sprint("sesshubd is not running"))
	case err != nil:
		return fmt.Errorf("reading pid file: %w", err)
	case procutil.Alive(pid):
		fmt.Println(running.Sprintf("sesshubd is running (pid %d)", pid))
	default:
		fmt.Println(stopped.Sprintf("sesshubd is not running (stale pid file, pid %d)", pid))
	}

	fmt.Printf("Home:    %s\n", h.Dir())
	if creds, err := h.LoadCredentials(); err == nil {
		fmt.Printf("Gateway: %s\n", creds.GatewayURL)
	} else if errors.Is(err, home.ErrNoCredentials) {
		fmt.Println(stopped.Sprint("Not logged in; run `sesshubd login` first"))
	}
	return nil
}
