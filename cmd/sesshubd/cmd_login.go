package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sesshub/sesshub/internal/host/config"
	"github.com/sesshub/sesshub/internal/host/home"
)

func loginCmd() *cobra.Command {
	var gatewayURL, apiKey, hostID string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the gateway API key for this host",
		RunE: func(_ *cobra.Command, _ []string) error {
			if apiKey == "" {
				return fmt.Errorf("--api-key is required")
			}
			return login(gatewayURL, apiKey, hostID)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "Gateway websocket URL (defaults to the configured one)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key issued by the gateway operator")
	cmd.Flags().StringVar(&hostID, "host-id", "", "Host id pinned to the key, when the operator assigned one")
	return cmd
}

func login(gatewayURL, apiKey, hostID string) error {
	homeDir, err := config.HomeDir()
	if err != nil {
		return err
	}
	h := home.New(homeDir)
	if err := h.Ensure(); err != nil {
		return err
	}

	if gatewayURL == "" {
		cfg, err := config.Load(homeDir)
		if err != nil {
			return err
		}
		gatewayURL = cfg.GatewayURL
	}

	creds := &home.Credentials{
		GatewayURL: gatewayURL,
		APIKey:     apiKey,
		HostID:     hostID,
	}
	if err := h.SaveCredentials(creds); err != nil {
		return err
	}

	ok := color.New(color.FgGreen)
	fmt.Println(ok.Sprintf("Credentials saved to %s", h.CredentialsPath()))
	fmt.Printf("Gateway: %s\n", gatewayURL)
	return nil
}
