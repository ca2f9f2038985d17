package streamrelay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ChatroomConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Rooms       []string `yaml:"rooms"`
	SelfHandles []string `yaml:"self_handles"`
	OwnerHandle string   `yaml:"owner_handle"`
	BotHandles  []string `yaml:"bot_handles"`
	ListenMode  string   `yaml:"listen_mode"`
	AckEnabled  bool     `yaml:"ack_enabled"`
	Interval    string   `yaml:"interval"`
	FetchLimit  int      `yaml:"fetch_limit"`
	SeedLimit   int      `yaml:"seed_limit"`
}

type ForgeConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Token      string   `yaml:"token"`
	Repos      []string `yaml:"repos"`
	SelfLogin  string   `yaml:"self_login"`
	BotLogins  []string `yaml:"bot_logins"`
	Interval   string   `yaml:"interval"`
	FetchLimit int      `yaml:"fetch_limit"`
}

type SocialFeedConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	Handle     string `yaml:"handle"`
	Interval   string `yaml:"interval"`
	FetchLimit int    `yaml:"fetch_limit"`
}

type FiledropConfig struct {
	Dir      string `yaml:"dir"`
	Interval string `yaml:"interval"`
}

type Config struct {
	SessionID  string            `yaml:"session_id"`
	InboxFile  string            `yaml:"inbox_file"`
	DataDir    string            `yaml:"data_dir"`
	LedgerMax  int               `yaml:"ledger_max"`
	Chatroom   *ChatroomConfig   `yaml:"chatroom"`
	Forge      *ForgeConfig      `yaml:"forge"`
	SocialFeed *SocialFeedConfig `yaml:"socialfeed"`
	Filedrop   *FiledropConfig   `yaml:"filedrop"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "."
	}
	return cfg, nil
}

// ParseInterval accepts Go duration strings; empty falls back.
func ParseInterval(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
