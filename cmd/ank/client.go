package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/config"
	"github.com/cuemby/ankor/internal/controlapi"
	"github.com/cuemby/ankor/internal/transport"
	"github.com/cuemby/ankor/internal/wire"
)

// resolveCLI merges ank.conf with any flags/env vars the invocation
// supplied, flags and env always winning over the file (§6).
func resolveCLI(cmd *cobra.Command) (config.CLI, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadCLIFile(configPath)
	if err != nil {
		return config.CLI{}, err
	}

	f := config.Flags{
		ServerURL: stringOverride(cmd, "server-url", "ANK_SERVER_URL"),
		Verbose:   boolOverride(cmd, "verbose", ""),
		Quiet:     boolOverride(cmd, "quiet", ""),
		NoWait:    boolOverride(cmd, "no-wait", ""),
		Insecure:  boolOverride(cmd, "insecure", "ANK_INSECURE"),
		CAPath:    stringOverride(cmd, "ca_pem", "ANK_CA_PEM"),
		CrtPath:   stringOverride(cmd, "crt_pem", "ANK_CRT_PEM"),
		KeyPath:   stringOverride(cmd, "key_pem", "ANK_KEY_PEM"),
	}
	if cmd.Flags().Changed("response-timeout") {
		v, _ := cmd.Flags().GetUint64("response-timeout")
		f.ResponseTimeout = &v
	}

	return config.ApplyFlags(cfg, f)
}

func stringOverride(cmd *cobra.Command, flag, env string) *string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return &v
	}
	if env != "" {
		if v, ok := os.LookupEnv(env); ok {
			return &v
		}
	}
	return nil
}

func boolOverride(cmd *cobra.Command, flag, env string) *bool {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetBool(flag)
		return &v
	}
	if env != "" {
		if v, ok := os.LookupEnv(env); ok {
			b := v == "true" || v == "1"
			return &b
		}
	}
	return nil
}

// serverAddr strips the URL scheme config.CLI.ServerURL carries, since
// transport.Dial wants a bare host:port.
func serverAddr(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("ank: invalid --server-url %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return serverURL, nil
	}
	return u.Host, nil
}

// dialServer opens a connection and performs the CommanderHello handshake,
// mirroring runClientSession's expectations on the server side.
func dialServer(cfg config.CLI) (*transport.Conn, error) {
	addr, err := serverAddr(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	var tlsCfg *transport.TLSConfig
	if cfg.Insecure {
		tlsCfg = &transport.TLSConfig{Insecure: true}
	} else {
		tlsCfg = &transport.TLSConfig{CAFile: cfg.CAPath, CertFile: cfg.CrtPath, KeyFile: cfg.KeyPath}
	}

	conn, err := transport.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("ank: dial %s: %w", addr, err)
	}

	hello := wire.ToServer{Kind: wire.KindCommanderHello, CommanderHello: &wire.CommanderHello{ProtocolVersion: controlapi.ProtocolVersion}}
	payload, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Send(payload); err != nil {
		conn.Close()
		return nil, err
	}

	payload, err = conn.Recv()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ank: handshake: %w", err)
	}
	var greeting wire.FromServer
	if err := json.Unmarshal(payload, &greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ank: handshake: %w", err)
	}
	if greeting.Kind != wire.KindServerHello {
		conn.Close()
		reason := "unexpected handshake reply"
		if greeting.ConnectionClosed != nil {
			reason = greeting.ConnectionClosed.Reason
		}
		return nil, fmt.Errorf("ank: %s", reason)
	}

	return conn, nil
}

// sendRequest sends req over conn and waits for the Response carrying the
// matching request_id, discarding any other traffic the server interleaves
// (e.g. a CompleteStateRequest subscriber's unrelated deltas).
func sendRequest(conn *transport.Conn, req wire.Request, timeout time.Duration) (wire.Response, error) {
	msg := wire.ToServer{Kind: wire.KindRequest, Request: &req}
	payload, err := json.Marshal(msg)
	if err != nil {
		return wire.Response{}, err
	}
	if err := conn.Send(payload); err != nil {
		return wire.Response{}, err
	}

	type result struct {
		resp wire.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			payload, err := conn.Recv()
			if err != nil {
				ch <- result{err: err}
				return
			}
			var fromServer wire.FromServer
			if err := json.Unmarshal(payload, &fromServer); err != nil {
				ch <- result{err: err}
				return
			}
			if fromServer.Kind == wire.KindResponse && fromServer.Response != nil && fromServer.Response.RequestID == req.RequestID {
				ch <- result{resp: *fromServer.Response}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(timeout):
		return wire.Response{}, fmt.Errorf("ank: timed out waiting for a response")
	}
}

func newRequestID() string {
	return uuid.NewString()
}
