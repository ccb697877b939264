// Command ankor-agent runs the per-node agent process: it dials the
// server, performs the AgentHello handshake, and supervises every
// workload instance assigned to this node (§4.8, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/agentmgr"
	"github.com/cuemby/ankor/internal/config"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/runtime/containerd"
	"github.com/cuemby/ankor/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ankor-agent",
	Short: "Ankor agent: the per-node workload supervisor",
	RunE:  runAgent,
}

func init() {
	rootCmd.Flags().String("name", "", "This agent's name, as referenced by workload specs' agent field (required)")
	rootCmd.Flags().String("server", "127.0.0.1:25551", "Address of the ankor-server to connect to")
	rootCmd.Flags().String("run-folder", "/run/ankor", "Directory holding per-instance files and control-interface pipes")
	rootCmd.Flags().String("runtime", "containerd", "Workload runtime adapter to use")
	rootCmd.Flags().String("containerd-socket", containerd.DefaultSocketPath, "containerd socket path")
	rootCmd.Flags().Bool("insecure", false, "Skip TLS; dial plain TCP (testing only)")
	rootCmd.Flags().String("ca-pem", "", "Path to the CA certificate used to verify the server's certificate")
	rootCmd.Flags().String("crt-pem", "", "Path to this agent's certificate")
	rootCmd.Flags().String("key-pem", "", "Path to this agent's private key")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.Flags().String("metrics-address", "127.0.0.1:9091", "Address to serve /metrics on")
	rootCmd.MarkFlagRequired("name")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := resolveAgentConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	agentLogger := logger.WithAgent(cfg.AgentName)

	if err := os.MkdirAll(cfg.RunFolder, 0o750); err != nil {
		return fmt.Errorf("create run folder: %w", err)
	}

	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	adapter, err := newAdapter(cfg, socketPath, logger)
	if err != nil {
		return fmt.Errorf("construct runtime adapter: %w", err)
	}

	var tlsCfg *transport.TLSConfig
	if cfg.TLS.Insecure {
		tlsCfg = &transport.TLSConfig{Insecure: true}
	} else {
		tlsCfg = &transport.TLSConfig{CAFile: cfg.TLS.CAFile, CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile}
	}

	conn, err := transport.Dial("tcp", cfg.ServerAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	defer conn.Close()

	mgr := agentmgr.New(agentmgr.Config{
		AgentName: cfg.AgentName,
		Adapter:   adapter,
		Conn:      conn,
		RunFolder: cfg.RunFolder,
		Logger:    logger,
	})

	metricsAddr, _ := cmd.Flags().GetString("metrics-address")
	go metrics.ServeHTTP(metricsAddr, agentLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(ctx) }()

	agentLogger.Info().Str("server", cfg.ServerAddr).Msg("ankor-agent connected")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		agentLogger.Info().Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("agent run loop: %w", err)
		}
	}
	return nil
}

func newAdapter(cfg config.Agent, socketPath string, logger *log.Logger) (runtime.Adapter, error) {
	switch cfg.Runtime {
	case "", "containerd":
		return containerd.New(socketPath, containerd.DefaultNamespace, logger)
	default:
		return nil, fmt.Errorf("unknown runtime adapter %q", cfg.Runtime)
	}
}

func resolveAgentConfig(cmd *cobra.Command) (config.Agent, error) {
	name, _ := cmd.Flags().GetString("name")
	server, _ := cmd.Flags().GetString("server")
	runFolder, _ := cmd.Flags().GetString("run-folder")
	runtimeName, _ := cmd.Flags().GetString("runtime")
	insecure, _ := cmd.Flags().GetBool("insecure")
	caPEM, _ := cmd.Flags().GetString("ca-pem")
	crtPEM, _ := cmd.Flags().GetString("crt-pem")
	keyPEM, _ := cmd.Flags().GetString("key-pem")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	if name == "" {
		return config.Agent{}, fmt.Errorf("--name is required")
	}
	if !insecure && (caPEM == "" || crtPEM == "" || keyPEM == "") {
		return config.Agent{}, fmt.Errorf("--ca-pem, --crt-pem and --key-pem are required unless --insecure is set")
	}

	return config.Agent{
		AgentName:  name,
		ServerAddr: server,
		RunFolder:  runFolder,
		Runtime:    runtimeName,
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
