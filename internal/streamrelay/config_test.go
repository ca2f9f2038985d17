package streamrelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamrelay.yaml")
	doc := `
session_id: sess-1
inbox_file: /tmp/inbox.txt
data_dir: /var/lib/streamrelay
ledger_max: 2000
chatroom:
  base_url: https://rooms.example.com/api/v1
  api_key: key
  rooms: [dev, ops]
  self_handles: ["@assistant"]
  owner_handle: petra
  listen_mode: tagged
  ack_enabled: true
  interval: 90s
forge:
  base_url: https://forge.example.com/api
  token: tok
  repos: [acme/widgets]
  self_login: assistant
filedrop:
  dir: /tmp/drops
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SessionID != "sess-1" || cfg.LedgerMax != 2000 {
		t.Fatalf("unexpected top-level config: %+v", cfg)
	}
	if cfg.Chatroom == nil || cfg.Chatroom.ListenMode != "tagged" || len(cfg.Chatroom.Rooms) != 2 {
		t.Fatalf("unexpected chatroom config: %+v", cfg.Chatroom)
	}
	if !cfg.Chatroom.AckEnabled {
		t.Fatalf("ack_enabled not parsed")
	}
	if cfg.Forge == nil || cfg.Forge.Repos[0] != "acme/widgets" {
		t.Fatalf("unexpected forge config: %+v", cfg.Forge)
	}
	if cfg.SocialFeed != nil {
		t.Fatalf("absent section should stay nil")
	}
	if cfg.Filedrop == nil || cfg.Filedrop.Dir != "/tmp/drops" {
		t.Fatalf("unexpected filedrop config: %+v", cfg.Filedrop)
	}
}

func TestLoadConfigDefaultsDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamrelay.yaml")
	if err := os.WriteFile(path, []byte("session_id: s\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DataDir != "." {
		t.Fatalf("data dir default = %q, want .", cfg.DataDir)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamrelay.yaml")
	if err := os.WriteFile(path, []byte("chatroom: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseInterval(t *testing.T) {
	if got := ParseInterval("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("got %s, want 90s", got)
	}
	if got := ParseInterval("", time.Minute); got != time.Minute {
		t.Fatalf("empty should fall back, got %s", got)
	}
	if got := ParseInterval("soon", time.Minute); got != time.Minute {
		t.Fatalf("garbage should fall back, got %s", got)
	}
	if got := ParseInterval("-5s", time.Minute); got != time.Minute {
		t.Fatalf("negative should fall back, got %s", got)
	}
}
