package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPrecedence(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.recall/from-config.db
user_id: config-user
embed:
  provider: ollama/nomic-embed-text
remote:
  url: https://config.example.com
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RECALL_DB", "~/from-env.db")
	t.Setenv("RECALL_REMOTE_URL", "https://env.example.com")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLIDBPath:  "~/from-cli.db",
		CLIUser:    "cli-user",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if resolved.UserID.Value != "cli-user" || resolved.UserID.Source != SourceCLI {
		t.Fatalf("expected CLI user to win, got %+v", resolved.UserID)
	}
	if resolved.RemoteURL.Value != "https://env.example.com" || resolved.RemoteURL.Source != SourceEnv {
		t.Fatalf("expected env remote URL over config, got %+v", resolved.RemoteURL)
	}
	if resolved.EmbedProvider.Source != SourceConfig {
		t.Fatalf("expected embed provider from config, got %s", resolved.EmbedProvider.Source)
	}
}

func TestResolveConfigMissingFileUsesDefaults(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nonexistent.yaml"),
	})
	if err != nil {
		t.Fatalf("missing config file must not error: %v", err)
	}
	if resolved.DBPath.Source != SourceDefault {
		t.Fatalf("expected default DB path, got %+v", resolved.DBPath)
	}
	if resolved.DBPath.Value == "" {
		t.Fatal("default DB path must not be empty")
	}
}

func TestResolveConfigMalformedFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(":\n  not yaml ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath}); err == nil {
		t.Fatal("malformed config must error")
	}
}

func TestResolveConfigEnvAPIKey(t *testing.T) {
	t.Setenv("RECALL_EMBED_API_KEY", "env-key")
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nonexistent.yaml"),
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.EmbedAPIKey.Value != "env-key" || resolved.EmbedAPIKey.Source != SourceEnv {
		t.Fatalf("expected env embed key, got %+v", resolved.EmbedAPIKey)
	}
}

func TestIntOr(t *testing.T) {
	if got := (ResolvedValue{Value: "1200"}).IntOr(1500); got != 1200 {
		t.Fatalf("got %d", got)
	}
	if got := (ResolvedValue{}).IntOr(1500); got != 1500 {
		t.Fatalf("unset value should fall back, got %d", got)
	}
	if got := (ResolvedValue{Value: "lots"}).IntOr(2); got != 2 {
		t.Fatalf("malformed value should fall back, got %d", got)
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandUserPath("~/.recall/recall.db"); got != filepath.Join(home, ".recall", "recall.db") {
		t.Fatalf("got %q", got)
	}
	if got := ExpandUserPath("/abs/path.db"); got != "/abs/path.db" {
		t.Fatalf("absolute path must pass through, got %q", got)
	}
}
