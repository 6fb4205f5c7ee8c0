package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mws-restaurant/offline"
)

var signalURL string

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.Flags().StringVar(&signalURL, "url", "", "connectivity endpoint (default http://<server.listen_addr>"+ConnectivityPath+")")
}

var signalCmd = &cobra.Command{
	Use:       "signal online|offline",
	Short:     "Report connectivity to a running proxy",
	Long:      "Send an {\"onlineStatus\": bool} message to a running 'mwsoffline serve'. Going online\nreplays deferred reviews.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var online bool
		switch strings.ToLower(args[0]) {
		case "online":
			online = true
		case "offline":
			online = false
		default:
			return fmt.Errorf("status must be online or offline, got %q", args[0])
		}

		endpoint := signalURL
		if endpoint == "" {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			endpoint = "http://" + cfg.Server.ListenAddr + ConnectivityPath
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ack, err := offline.SendConnectivity(ctx, endpoint, online)
		if err != nil {
			return err
		}
		if ack {
			fmt.Println("Proxy is online")
		} else {
			fmt.Println("Proxy is offline")
		}
		return nil
	},
}
