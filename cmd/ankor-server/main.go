// Command ankor-server runs the reconciler process: it accepts agent and
// CLI connections, owns the authoritative desired state, and drives
// UpdateWorkload traffic out to every connected agent (§4.9, §6).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/config"
	"github.com/cuemby/ankor/internal/eventlog"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/persist"
	"github.com/cuemby/ankor/internal/server"
	"github.com/cuemby/ankor/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ankor-server",
	Short: "Ankor server: the authoritative desired-state reconciler",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().String("address", "127.0.0.1:25551", "Address to listen on for agent and client connections")
	rootCmd.Flags().String("data-dir", "/var/lib/ankor", "Directory holding the persisted desired state and event log")
	rootCmd.Flags().String("state-file", "", "Path to the desired-state snapshot (default: <data-dir>/state.yaml)")
	rootCmd.Flags().String("events-file", "", "Path to the bbolt event log (default: <data-dir>/events.db")
	rootCmd.Flags().Bool("insecure", false, "Skip TLS; accept plain TCP connections (testing only)")
	rootCmd.Flags().String("ca-pem", "", "Path to the CA certificate used to verify agent/client certificates")
	rootCmd.Flags().String("crt-pem", "", "Path to this server's certificate")
	rootCmd.Flags().String("key-pem", "", "Path to this server's private key")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.Flags().String("metrics-address", "127.0.0.1:9090", "Address to serve /metrics on")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := resolveServerConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	serverLogger := logger.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store := persist.New(cfg.StatePath)
	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	srv, err := server.New(server.Config{Persist: store, Events: events, Logger: logger})
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	var tlsCfg *transport.TLSConfig
	if !cfg.TLS.Insecure {
		tlsCfg = &transport.TLSConfig{CAFile: cfg.TLS.CAFile, CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile}
	} else {
		tlsCfg = &transport.TLSConfig{Insecure: true}
	}

	ln, err := transport.Listen("tcp", cfg.ListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()

	metricsAddr, _ := cmd.Flags().GetString("metrics-address")
	go metrics.ServeHTTP(metricsAddr, serverLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(srv, ln, logger)
	}()

	serverLogger.Info().Str("address", cfg.ListenAddr).Msg("ankor-server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		serverLogger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("accept loop: %w", err)
	}
	return nil
}

func resolveServerConfig(cmd *cobra.Command) (config.Server, error) {
	address, _ := cmd.Flags().GetString("address")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	statePath, _ := cmd.Flags().GetString("state-file")
	eventsPath, _ := cmd.Flags().GetString("events-file")
	insecure, _ := cmd.Flags().GetBool("insecure")
	caPEM, _ := cmd.Flags().GetString("ca-pem")
	crtPEM, _ := cmd.Flags().GetString("crt-pem")
	keyPEM, _ := cmd.Flags().GetString("key-pem")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	if statePath == "" {
		statePath = dataDir + "/state.yaml"
	}
	if eventsPath == "" {
		eventsPath = dataDir + "/events.db"
	}
	if !insecure && (caPEM == "" || crtPEM == "" || keyPEM == "") {
		return config.Server{}, fmt.Errorf("--ca-pem, --crt-pem and --key-pem are required unless --insecure is set")
	}

	return config.Server{
		ListenAddr:   address,
		DataDir:      dataDir,
		StatePath:    statePath,
		EventLogPath: eventsPath,
		TLS: config.TLSFlags{
			Insecure: insecure,
			CAFile:   caPEM,
			CertFile: crtPEM,
			KeyFile:  keyPEM,
		},
		LogLevel: logLevel,
		LogJSON:  logJSON,
	}, nil
}
