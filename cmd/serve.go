package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/server"
	"github.com/audiolibrelab/pagecapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the PageCapture web server to control recording via a web interface.
Start, pause, resume and stop from any device on the same network; encoded
pages are streamed live to websocket clients on /api/pages.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}

		factory, ok := audio.Probe(cfg.Device)
		if !ok {
			slog.Warn("No audio backend available, recording requests will fail", "backend", cfg.Device.Backend)
		}
		svc := service.New(cfg, cfgFile, audio.NewSharedContext(factory))
		defer svc.Close()

		srv := server.New(cfgFile, port, svc)
		defer srv.Close()

		slog.Info("PageCapture web server starting", "port", port, "config", cfgFile, "profile", cfg.Name)

		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (default from config, 8080)")
}
