// Package config loads xpd's environment configuration (§6) into a single
// struct, the way wisbric-nightowl's internal/config package does for its
// own daemon.
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived setting a node needs to serve.
// Fields with no envDefault are required: Load returns an error if they are
// left unset.
type Config struct {
	// Core. NodeID/ClusterID are minted once by `xpd init`/`xpd join` and
	// must be exported by the operator on every subsequent `xpd serve`
	// invocation — pkg/storage.Store has no bucket for a node's own
	// identity, so they round-trip through the environment rather than
	// being recovered from disk.
	NodeID         string `env:"XP_NODE_ID,required"`
	ClusterID      string `env:"XP_CLUSTER_ID,required"`
	DataDir        string `env:"XP_DATA_DIR" envDefault:"./data"`
	AdminTokenHash string `env:"XP_ADMIN_TOKEN_HASH,required"`

	// Logging
	LogLevel string `env:"XP_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"XP_LOG_JSON" envDefault:"true"`

	// Proxy (local Xray instance)
	XrayAPIAddr               string `env:"XP_XRAY_API_ADDR" envDefault:"127.0.0.1:10085"`
	XrayHealthIntervalSecs    int    `env:"XP_XRAY_HEALTH_INTERVAL_SECS" envDefault:"2"`
	XrayHealthFailsBeforeDown int    `env:"XP_XRAY_HEALTH_FAILS_BEFORE_DOWN" envDefault:"3"`
	XrayRestartMode           string `env:"XP_XRAY_RESTART_MODE" envDefault:"none"`
	XrayRestartCooldownSecs   int    `env:"XP_XRAY_RESTART_COOLDOWN_SECS" envDefault:"30"`

	// Quota
	QuotaPollIntervalSecs int  `env:"XP_QUOTA_POLL_INTERVAL_SECS" envDefault:"10"`
	QuotaAutoUnban        bool `env:"XP_QUOTA_AUTO_UNBAN" envDefault:"true"`

	// Raft
	RaftBindAddr string `env:"XP_RAFT_BIND_ADDR" envDefault:"0.0.0.0:7000"`

	// Admin/join API (spec.md §6 names paths for this surface but not bind
	// addresses; these follow the rest of this struct's env-var convention
	// instead of introducing flags SPEC_FULL.md §6 never mentions).
	APIInternalBindAddr string `env:"XP_API_INTERNAL_BIND_ADDR" envDefault:"0.0.0.0:7443"`
	APIPublicBindAddr   string `env:"XP_API_PUBLIC_BIND_ADDR" envDefault:"0.0.0.0:7080"`
	APIPublicBaseURL    string `env:"XP_API_PUBLIC_BASE_URL,required"`
	JoinSigningKeyHex    string `env:"XP_JOIN_SIGNING_KEY,required"`
	JoinTokenMaxTTLMins  int    `env:"XP_JOIN_TOKEN_MAX_TTL_MINS" envDefault:"60"`

	// Slack alerting — optional, disabled unless XP_SLACK_BOT_TOKEN is set.
	SlackBotToken     string `env:"XP_SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"XP_SLACK_ALERT_CHANNEL"`
}

// Load reads Config from the environment, applying defaults for every field
// with an envDefault tag and erroring if a required field is unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// JoinSigningKey decodes JoinSigningKeyHex into the raw HS256 key
// pkg/security's JoinTokenIssuer expects.
func (c *Config) JoinSigningKey() ([]byte, error) {
	key, err := hex.DecodeString(c.JoinSigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("XP_JOIN_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("XP_JOIN_SIGNING_KEY must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlackEnabled reports whether Slack alert delivery should be wired in.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}
