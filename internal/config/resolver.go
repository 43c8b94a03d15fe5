// Package config resolves settings from file, environment, and CLI flags.
//
// Precedence is config file < environment < CLI flag, and every resolved
// value remembers where it came from so diagnostics can show the user
// which layer won.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a setting plus its provenance.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// IntOr parses the value as an integer, falling back to def when unset
// or malformed.
func (v ResolvedValue) IntOr(def int) int {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ResolveOptions carries CLI flag overrides into resolution.
type ResolveOptions struct {
	ConfigPath   string
	CLIDBPath    string
	CLIEmbed     string
	CLIRemoteURL string
	CLIUser      string
}

// ResolvedConfig is the fully layered configuration.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`
	UserID ResolvedValue `json:"user_id"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	RemoteURL    ResolvedValue `json:"remote_url"`
	RemoteAPIKey ResolvedValue `json:"remote_api_key"`

	TokenBudget ResolvedValue `json:"token_budget"`
	IncludePII  ResolvedValue `json:"include_pii"`

	LogLevel ResolvedValue `json:"log_level"`
	LogFile  ResolvedValue `json:"log_file"`
}

type fileConfig struct {
	DBPath      string `yaml:"db_path"`
	UserID      string `yaml:"user_id"`
	TokenBudget string `yaml:"token_budget"`
	IncludePII  string `yaml:"include_pii"`
	Embed       struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Remote struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"remote"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// DefaultConfigPath returns ~/.recall/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall", "config.yaml")
}

// DefaultDBPath returns ~/.recall/recall.db.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall", "recall.db")
}

// ResolveConfig layers the config file, environment, and CLI overrides.
// A missing config file is fine; a malformed one is an error.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.UserID, cfg.UserID, SourceConfig, path)
		apply(&out.TokenBudget, cfg.TokenBudget, SourceConfig, path)
		apply(&out.IncludePII, cfg.IncludePII, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.RemoteURL, cfg.Remote.URL, SourceConfig, path)
		apply(&out.RemoteAPIKey, cfg.Remote.APIKey, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFile, cfg.Log.File, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "RECALL_DB")
	applyEnv(&out.DBPath, "RECALL_DB_PATH")
	applyEnv(&out.UserID, "RECALL_USER")
	applyEnv(&out.TokenBudget, "RECALL_TOKEN_BUDGET")
	applyEnv(&out.IncludePII, "RECALL_INCLUDE_PII")

	applyEnv(&out.EmbedProvider, "RECALL_EMBED")
	applyEnv(&out.EmbedEndpoint, "RECALL_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "RECALL_EMBED_API_KEY")

	applyEnv(&out.RemoteURL, "RECALL_REMOTE_URL")
	applyEnv(&out.RemoteAPIKey, "RECALL_REMOTE_API_KEY")

	applyEnv(&out.LogLevel, "RECALL_LOG_LEVEL")
	applyEnv(&out.LogFile, "RECALL_LOG_FILE")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.RemoteURL, opts.CLIRemoteURL, SourceCLI, "--remote")
	apply(&out.UserID, opts.CLIUser, SourceCLI, "--user")

	if out.DBPath.Value == "" {
		out.DBPath = ResolvedValue{Value: DefaultDBPath(), Source: SourceDefault, From: "built-in default"}
	}
	out.DBPath.Value = ExpandUserPath(out.DBPath.Value)
	if out.LogFile.Value != "" {
		out.LogFile.Value = ExpandUserPath(out.LogFile.Value)
	}

	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// ExpandUserPath resolves a leading ~/ against the home directory.
func ExpandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
