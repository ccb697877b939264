// Package config implements the per-process configuration of §6: a TOML
// `ank.conf` for the CLI, and flag/env-populated Config structs for the
// server and agent processes, following teacher's Config+NewXxx(cfg)
// pattern (pkg/manager.Config, pkg/worker.Config). Grounded on
// original_source's ank/src/ank_config.rs for the CLI file's exact field
// names, defaults and ConflictingCertificates validation.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Version is the only ank.conf `version` value this build accepts.
const Version = "v1"

// DefaultResponseTimeoutMS mirrors original_source's DEFAULT_RESPONSE_TIMEOUT.
const DefaultResponseTimeoutMS = 3000

// DefaultServerURL is the CLI's default --server-url (§6).
const DefaultServerURL = "https://127.0.0.1:25551"

// WrongVersionError is returned when ank.conf's `version` isn't "v1".
type WrongVersionError struct {
	Got string
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("wrong version: %s", e.Got)
}

// ConflictingCertificatesError is returned when a certificate's path and
// inline content are both supplied, either within ank.conf itself or
// between ank.conf and a CLI flag (§6's "Supplying both path and content
// for the same certificate is rejected").
type ConflictingCertificatesError struct {
	Certificate string // "ca" | "crt" | "key"
}

func (e *ConflictingCertificatesError) Error() string {
	return fmt.Sprintf("conflicting certificates: both a path and inline content were supplied for %s_pem", e.Certificate)
}

// CLI is the CLI process's resolved configuration: ank.conf merged with
// any flags the invocation supplied (update_with_args in
// original_source's ank_config.rs — flags always win).
type CLI struct {
	Version         string `toml:"version"`
	ResponseTimeout uint64 `toml:"response_timeout"`
	Verbose         bool   `toml:"verbose"`
	Quiet           bool   `toml:"quiet"`
	NoWait          bool   `toml:"no_wait"`
	ServerURL       string `toml:"server_url"`
	Insecure        bool   `toml:"insecure"`

	CAPath  string `toml:"ca_pem,omitempty"`
	CrtPath string `toml:"crt_pem,omitempty"`
	KeyPath string `toml:"key_pem,omitempty"`

	CAContent  string `toml:"ca_pem_content,omitempty"`
	CrtContent string `toml:"crt_pem_content,omitempty"`
	KeyContent string `toml:"key_pem_content,omitempty"`
}

// fileFormat mirrors ank.conf's actual shape: every field above lives
// nested under a `[default]` table, per §6 ("a `[default]` table holding
// server_url, response_timeout, boolean flags...").
type fileFormat struct {
	Version string `toml:"version"`
	Default CLI    `toml:"default"`
}

// DefaultCLI returns the CLI config a fresh install has with no ank.conf
// present, matching original_source's AnkConfig::default().
func DefaultCLI() CLI {
	return CLI{
		Version:         Version,
		ResponseTimeout: DefaultResponseTimeoutMS,
		ServerURL:       DefaultServerURL,
	}
}

// LoadCLIFile reads and validates ank.conf at path, resolving ca/crt/key
// paths to their PEM content (§6). A missing file is not an error: the
// caller gets DefaultCLI() back so flags/env alone can drive the CLI.
func LoadCLIFile(path string) (CLI, error) {
	cfg := DefaultCLI()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return CLI{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed fileFormat
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return CLI{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg = parsed.Default
	if cfg.Version == "" {
		cfg.Version = parsed.Version
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeoutMS
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}

	if cfg.Version != Version {
		return CLI{}, &WrongVersionError{Got: cfg.Version}
	}

	if err := cfg.checkConflicts(); err != nil {
		return CLI{}, err
	}

	if cfg.CAPath != "" {
		content, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read ca_pem %s: %w", cfg.CAPath, err)
		}
		cfg.CAContent = string(content)
	}
	if cfg.CrtPath != "" {
		content, err := os.ReadFile(cfg.CrtPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read crt_pem %s: %w", cfg.CrtPath, err)
		}
		cfg.CrtContent = string(content)
	}
	if cfg.KeyPath != "" {
		content, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read key_pem %s: %w", cfg.KeyPath, err)
		}
		cfg.KeyContent = string(content)
	}

	return cfg, nil
}

func (c CLI) checkConflicts() error {
	if c.CAPath != "" && c.CAContent != "" {
		return &ConflictingCertificatesError{Certificate: "ca"}
	}
	if c.CrtPath != "" && c.CrtContent != "" {
		return &ConflictingCertificatesError{Certificate: "crt"}
	}
	if c.KeyPath != "" && c.KeyContent != "" {
		return &ConflictingCertificatesError{Certificate: "key"}
	}
	return nil
}

// Flags carries the subset of the CLI's global flags that can override
// ank.conf (the ones §6 lists as both a flag and an ANK_* env var). A
// flag/env value, when set, always wins over the file, mirroring
// original_source's update_with_args.
type Flags struct {
	ServerURL       *string
	ResponseTimeout *uint64
	Verbose         *bool
	Quiet           *bool
	NoWait          *bool
	Insecure        *bool
	CAPath          *string
	CrtPath         *string
	KeyPath         *string
}

// ApplyFlags overlays f onto cfg, re-reading any certificate path that
// changed. A certificate path flag is rejected with
// ConflictingCertificatesError when ank.conf supplied that certificate as
// inline content rather than as a path.
func ApplyFlags(cfg CLI, f Flags) (CLI, error) {
	if f.ServerURL != nil {
		cfg.ServerURL = *f.ServerURL
	}
	if f.ResponseTimeout != nil {
		cfg.ResponseTimeout = *f.ResponseTimeout
	}
	if f.Verbose != nil {
		cfg.Verbose = *f.Verbose
	}
	if f.Quiet != nil {
		cfg.Quiet = *f.Quiet
	}
	if f.NoWait != nil {
		cfg.NoWait = *f.NoWait
	}
	if f.Insecure != nil {
		cfg.Insecure = *f.Insecure
	}
	if f.CAPath != nil {
		if cfg.CAPath == "" && cfg.CAContent != "" {
			return CLI{}, &ConflictingCertificatesError{Certificate: "ca"}
		}
		cfg.CAPath = *f.CAPath
		content, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read ca_pem %s: %w", cfg.CAPath, err)
		}
		cfg.CAContent = string(content)
	}
	if f.CrtPath != nil {
		if cfg.CrtPath == "" && cfg.CrtContent != "" {
			return CLI{}, &ConflictingCertificatesError{Certificate: "crt"}
		}
		cfg.CrtPath = *f.CrtPath
		content, err := os.ReadFile(cfg.CrtPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read crt_pem %s: %w", cfg.CrtPath, err)
		}
		cfg.CrtContent = string(content)
	}
	if f.KeyPath != nil {
		if cfg.KeyPath == "" && cfg.KeyContent != "" {
			return CLI{}, &ConflictingCertificatesError{Certificate: "key"}
		}
		cfg.KeyPath = *f.KeyPath
		content, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return CLI{}, fmt.Errorf("config: read key_pem %s: %w", cfg.KeyPath, err)
		}
		cfg.KeyContent = string(content)
	}
	return cfg, nil
}

// Server bundles the ankor-server process's configuration, populated from
// flags/env rather than a TOML file (the file format is a CLI-only
// concern per §6).
type Server struct {
	ListenAddr   string
	DataDir      string
	StatePath    string
	EventLogPath string
	TLS          TLSFlags
	LogLevel     string
	LogJSON      bool
}

// Agent bundles the ankor-agent process's configuration.
type Agent struct {
	AgentName  string
	ServerAddr string
	RunFolder  string
	Runtime    string
	TLS        TLSFlags
	LogLevel   string
	LogJSON    bool
}

// TLSFlags names the PEM sources shared by the server and agent process
// configs, mirroring the CLI's --insecure/--ca_pem/--crt_pem/--key_pem.
type TLSFlags struct {
	Insecure bool
	CAFile   string
	CertFile string
	KeyFile  string
}
