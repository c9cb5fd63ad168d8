package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sesshub/sesshub/internal/host/config"
	"github.com/sesshub/sesshub/internal/host/home"
	"github.com/sesshub/sesshub/internal/host/procutil"
)

const stopWait = 10 * time.Second

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return stopDaemon()
		},
	}
}

func stopDaemon() error {
	homeDir, err := config.HomeDir()
	if err != nil {
		return err
	}
	h := home.New(homeDir)

	pid, err := h.ReadPID()
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Println("sesshubd is not running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}
	if !procutil.Alive(pid) {
		fmt.Printf("sesshubd is not running (stale pid file, pid %d)\n", pid)
		return nil
	}

	if err := procutil.Terminate(pid); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !procutil.Alive(pid) {
			ok := color.New(color.FgGreen)
			fmt.Println(ok.Sprintf("sesshubd stopped (pid %d)", pid))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, stopWait)
}
