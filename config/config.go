package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	FeedURL         string `yaml:"feed_url"`
	DisplayAreaName string `yaml:"display_area_name"`
	MoreInfoURL     string `yaml:"more_info_url"`

	StatePath   string `yaml:"state_path"`
	RSSPath     string `yaml:"rss_path"`
	RSSTitle    string `yaml:"rss_title"`
	RSSLink     string `yaml:"rss_link"`
	MaxRSSItems int    `yaml:"max_rss_items"`

	EnableXPosting    bool   `yaml:"enable_x_posting"`
	EnableFBPosting   bool   `yaml:"enable_fb_posting"`
	XClientID         string `yaml:"x_client_id"`
	XClientSecret     string `yaml:"x_client_secret"`
	XRefreshToken     string `yaml:"x_refresh_token"`
	RotatedTokenPath  string `yaml:"rotated_token_path"`
	FBPageID          string `yaml:"fb_page_id"`
	FBPageAccessToken string `yaml:"fb_page_access_token"`

	EnableApproval      bool   `yaml:"enable_approval"`
	TelegramBotToken    string `yaml:"telegram_bot_token"`
	TelegramChatID      int64  `yaml:"telegram_chat_id"`
	ApprovalTTLMins     int    `yaml:"approval_ttl_mins"`
	ApprovalPollSecs    int    `yaml:"approval_poll_secs"`
	ApprovalMaxWaitSecs int    `yaml:"approval_max_wait_secs"`

	RulesMode string `yaml:"rules_mode"` // local, remote, or auto
	RulesPath string `yaml:"rules_path"`
	RulesURL  string `yaml:"rules_url"`

	CooldownMins       map[string]int `yaml:"cooldown_mins"`
	GlobalCooldownMins int            `yaml:"global_cooldown_mins"`
	ExpiryGraceHours   int            `yaml:"expiry_grace_hours"`

	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs"`
	PostTimeoutSecs  int    `yaml:"post_timeout_secs"`
	RunInterval      string `yaml:"run_interval"` // empty = single run per invocation
	LogLevel         string `yaml:"log_level"`
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file is not an error: the bot is designed to run with zero
// configuration beyond enabling channels via environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("ALERTBOT_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

// FetchTimeout returns the feed fetch timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// PostTimeout returns the per-channel post timeout as a duration.
func (c *Config) PostTimeout() time.Duration {
	return time.Duration(c.PostTimeoutSecs) * time.Second
}

// ExpiryGrace returns the grace window before expired records are pruned.
func (c *Config) ExpiryGrace() time.Duration {
	return time.Duration(c.ExpiryGraceHours) * time.Hour
}

func applyDefaults(cfg *Config) {
	if cfg.FeedURL == "" {
		cfg.FeedURL = "https://weather.gc.ca/rss/battleboard/onrm94_e.xml"
	}
	if cfg.DisplayAreaName == "" {
		cfg.DisplayAreaName = "Tay Township area"
	}
	if cfg.MoreInfoURL == "" {
		cfg.MoreInfoURL = "https://weather.gc.ca/en/location/index.html?coords=44.751,-79.768"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "./state.json"
	}
	if cfg.RSSPath == "" {
		cfg.RSSPath = "./tay-weather.xml"
	}
	if cfg.RSSTitle == "" {
		cfg.RSSTitle = "Tay Township Weather Statements"
	}
	if cfg.RSSLink == "" {
		cfg.RSSLink = "https://weatherpresenter.github.io/tay-weather-rss/"
	}
	if cfg.MaxRSSItems == 0 {
		cfg.MaxRSSItems = 25
	}
	if cfg.RotatedTokenPath == "" {
		cfg.RotatedTokenPath = "./x_refresh_token_rotated.txt"
	}
	if cfg.ApprovalTTLMins == 0 {
		cfg.ApprovalTTLMins = 60
	}
	if cfg.ApprovalPollSecs == 0 {
		cfg.ApprovalPollSecs = 2
	}
	if cfg.ApprovalMaxWaitSecs == 0 {
		cfg.ApprovalMaxWaitSecs = 300
	}
	if cfg.RulesMode == "" {
		cfg.RulesMode = "auto"
	}
	if cfg.RulesPath == "" {
		cfg.RulesPath = "./content-rules.xlsx"
	}
	if cfg.CooldownMins == nil {
		cfg.CooldownMins = map[string]int{
			"warning":   60,
			"watch":     120,
			"advisory":  180,
			"statement": 240,
			"allclear":  60,
			"default":   180,
		}
	}
	if _, ok := cfg.CooldownMins["default"]; !ok {
		cfg.CooldownMins["default"] = 180
	}
	if cfg.GlobalCooldownMins == 0 {
		cfg.GlobalCooldownMins = 5
	}
	if cfg.ExpiryGraceHours == 0 {
		cfg.ExpiryGraceHours = 12
	}
	if cfg.FetchTimeoutSecs == 0 {
		cfg.FetchTimeoutSecs = 20
	}
	if cfg.PostTimeoutSecs == 0 {
		cfg.PostTimeoutSecs = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// applyEnvironmentOverrides maps the workflow-facing environment variables
// onto the config. Credentials are only ever supplied this way; they are
// injected as secrets by the external scheduler and never live in the file.
func applyEnvironmentOverrides(cfg *Config) {
	overrideString(&cfg.FeedURL, "ALERT_FEED_URL")
	overrideString(&cfg.MoreInfoURL, "MORE_INFO_URL")
	overrideString(&cfg.StatePath, "ALERTBOT_STATE_PATH")
	overrideString(&cfg.RSSPath, "ALERTBOT_RSS_PATH")

	overrideBool(&cfg.EnableXPosting, "ENABLE_X_POSTING")
	overrideBool(&cfg.EnableFBPosting, "ENABLE_FB_POSTING")
	overrideBool(&cfg.EnableApproval, "ENABLE_TELEGRAM_APPROVAL")

	overrideString(&cfg.XClientID, "X_CLIENT_ID")
	overrideString(&cfg.XClientSecret, "X_CLIENT_SECRET")
	overrideString(&cfg.XRefreshToken, "X_REFRESH_TOKEN")
	overrideString(&cfg.FBPageID, "FB_PAGE_ID")
	overrideString(&cfg.FBPageAccessToken, "FB_PAGE_ACCESS_TOKEN")

	overrideString(&cfg.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}
	if v := os.Getenv("TELEGRAM_APPROVAL_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ApprovalTTLMins = n
		}
	}

	overrideString(&cfg.RulesMode, "CONTENT_RULES_MODE")
	overrideString(&cfg.RulesPath, "CONTENT_RULES_PATH")
	overrideString(&cfg.RulesURL, "CONTENT_RULES_URL")
	overrideString(&cfg.RunInterval, "ALERTBOT_RUN_INTERVAL")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true")
	}
}

func validate(cfg *Config) error {
	switch cfg.RulesMode {
	case "local", "remote", "auto":
	default:
		return fmt.Errorf("rules_mode must be local, remote, or auto, got %q", cfg.RulesMode)
	}
	if cfg.RulesMode == "remote" && cfg.RulesURL == "" {
		return fmt.Errorf("rules_url is required when rules_mode is remote")
	}
	if cfg.EnableApproval && cfg.TelegramBotToken == "" {
		return fmt.Errorf("telegram_bot_token is required when approval is enabled")
	}
	if cfg.EnableApproval && cfg.TelegramChatID == 0 {
		return fmt.Errorf("telegram_chat_id is required when approval is enabled")
	}
	if cfg.RunInterval != "" {
		if _, err := time.ParseDuration(cfg.RunInterval); err != nil {
			return fmt.Errorf("invalid run_interval %q: %w", cfg.RunInterval, err)
		}
	}
	for kind, mins := range cfg.CooldownMins {
		if mins < 0 {
			return fmt.Errorf("cooldown for %q must not be negative", kind)
		}
	}
	return nil
}
