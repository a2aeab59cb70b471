// Package config provides constants, configuration management, and
// path helpers for the messaging core.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	// MLSCiphersuiteID is MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
	// Changing it is a hard fork.
	MLSCiphersuiteID = 0x0001

	// Version is the client version string embedded in outbound key
	// packages and exposed by `mlsclient whoami`.
	Version = "0.1.0"

	// DefaultMaxGroupSize is the ceiling enforced by AddMembers before
	// it will contact the server.
	DefaultMaxGroupSize = 250

	// DefaultIntentRetryBudget bounds how many times a Published intent
	// may be republished before it is marked Error.
	DefaultIntentRetryBudget = 5
)

// HistorySyncURL is one of the three fixed environment presets.
type HistorySyncURL string

const (
	HistorySyncLocal HistorySyncURL = "http://localhost:5558"
	HistorySyncDev   HistorySyncURL = "https://message-history.dev.xmtp.network"
	HistorySyncProd  HistorySyncURL = "https://message-history.production.xmtp.network"
)

// Config holds the runtime configuration for one installation. It is
// persisted as TOML under the installation's state directory and may
// be overridden at process start by environment variables or flags
// via Load.
type Config struct {
	Version           string         `toml:"version"`
	CipherSuite       int            `toml:"cipher_suite"`
	MaxGroupSize      int            `toml:"max_group_size"`
	IntentRetryBudget int            `toml:"intent_retry_budget"`
	HistorySyncURL    HistorySyncURL `toml:"history_sync_url"`
	APIEndpoint       string         `toml:"api_endpoint"`
	StorePath         string         `toml:"store_path"`
}

// Default returns a config with sensible defaults for a local/dev
// environment; production deployments override APIEndpoint and
// HistorySyncURL.
func Default() Config {
	return Config{
		Version:           Version,
		CipherSuite:       MLSCiphersuiteID,
		MaxGroupSize:      DefaultMaxGroupSize,
		IntentRetryBudget: DefaultIntentRetryBudget,
		HistorySyncURL:    HistorySyncLocal,
		APIEndpoint:       "localhost:5556",
		StorePath:         "",
	}
}

type tomlWrapper struct {
	Client Config `toml:"client"`
}

// ToTOML serializes the config.
func (c Config) ToTOML() (string, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(tomlWrapper{Client: c}); err != nil {
		return "", fmt.Errorf("encode config toml: %w", err)
	}
	return sb.String(), nil
}

// FromTOML parses a config from TOML text, filling any field the text
// omits from Default().
func FromTOML(text string) (Config, error) {
	var wrapper tomlWrapper
	if _, err := toml.Decode(text, &wrapper); err != nil {
		return Config{}, fmt.Errorf("parsing config TOML: %w", err)
	}
	cfg := Default()
	m := wrapper.Client
	if m.Version != "" {
		cfg.Version = m.Version
	}
	if m.CipherSuite != 0 {
		cfg.CipherSuite = m.CipherSuite
	}
	if m.MaxGroupSize != 0 {
		cfg.MaxGroupSize = m.MaxGroupSize
	}
	if m.IntentRetryBudget != 0 {
		cfg.IntentRetryBudget = m.IntentRetryBudget
	}
	if m.HistorySyncURL != "" {
		cfg.HistorySyncURL = m.HistorySyncURL
	}
	if m.APIEndpoint != "" {
		cfg.APIEndpoint = m.APIEndpoint
	}
	if m.StorePath != "" {
		cfg.StorePath = m.StorePath
	}
	return cfg, nil
}

// Load reads the TOML file at path if present, then overlays
// environment variables prefixed MLSCLIENT_ (e.g. MLSCLIENT_API_ENDPOINT)
// using viper, so an operator can override the endpoint or store path
// without touching the on-disk file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			cfg, err = FromTOML(string(data))
			if err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MLSCLIENT")
	v.AutomaticEnv()
	v.SetDefault("api_endpoint", cfg.APIEndpoint)
	v.SetDefault("store_path", cfg.StorePath)
	v.SetDefault("history_sync_url", string(cfg.HistorySyncURL))

	if ep := v.GetString("api_endpoint"); ep != "" {
		cfg.APIEndpoint = ep
	}
	if sp := v.GetString("store_path"); sp != "" {
		cfg.StorePath = sp
	}
	if hs := v.GetString("history_sync_url"); hs != "" {
		cfg.HistorySyncURL = HistorySyncURL(hs)
	}
	return cfg, nil
}

// FindStateRoot walks up from start (or cwd) until a directory
// containing .mlsclient is found, mirroring a typical per-project
// state root discovery. Returns start itself if none is found, since
// a fresh installation has nothing to discover yet.
func FindStateRoot(start string) (string, error) {
	if start == "" {
		var err error
		start, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("cannot get working directory: %w", err)
		}
	}
	p, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(p, ".mlsclient"))
		if err == nil && info.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return start, nil
		}
		p = parent
	}
}
