// Package config loads taucore's JSON5 configuration file and overlays
// environment variables on top of it, exactly as the teacher's
// internal/config/config_load.go does (Default/Load/applyEnvOverrides),
// trimmed to this core's own CLI flag surface (spec.md §6) instead of the
// teacher's multi-provider/agent/gateway shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/tauhq/taucore/internal/pairing"
	"github.com/tauhq/taucore/pkg/protocol"
)

// TransportConfig holds one configured transport's credentials and
// enablement. Token/Secret are env-only (json:"-") exactly as the teacher
// keeps DatabaseConfig.PostgresDSN and provider API keys out of the
// on-disk file.
type TransportConfig struct {
	Enabled          bool   `json:"enabled"`
	AppToken         string `json:"-"`
	BotToken         string `json:"-"`
	WebhookSecret    string `json:"-"`
	APIBase          string `json:"api_base,omitempty"`
	VerifyToken      string `json:"-"`
	GitHubOwner      string `json:"github_owner,omitempty"`
	GitHubRepo       string `json:"github_repo,omitempty"`
	PollIntervalSec  int    `json:"poll_interval_sec,omitempty"`
	ListenAddr       string `json:"listen_addr,omitempty"`
	WebhookPath      string `json:"webhook_path,omitempty"`
}

// Config is taucore's full configuration surface.
type Config struct {
	StateDir string `json:"state_dir"`

	BotUserID string `json:"bot_user_id"`

	DetailThreadOutput         bool `json:"detail_thread_output"`
	DetailThreadThresholdChars int  `json:"detail_thread_threshold_chars"`

	ProcessedEventCap int   `json:"processed_event_cap"`
	MaxEventAgeSec    int64 `json:"max_event_age_seconds"`

	ReconnectDelayMS int64 `json:"reconnect_delay_ms"`

	RetryMaxAttempts int   `json:"retry_max_attempts"`
	RetryBaseDelayMS int64 `json:"retry_base_delay_ms"`

	TurnTimeoutMS    int64 `json:"turn_timeout_ms"`
	RequestTimeoutMS int64 `json:"request_timeout_ms"`

	SessionLockWaitMS  int64 `json:"session_lock_wait_ms"`
	SessionLockStaleMS int64 `json:"session_lock_stale_ms"`

	ArtifactRetentionDays int `json:"artifact_retention_days"`

	ReleaseChannel protocol.ReleaseChannel `json:"release_channel"`
	ReleaseCacheTTLMS int64                 `json:"release_cache_ttl_ms"`
	ReleaseRepoOwner string                 `json:"release_repo_owner,omitempty"`
	ReleaseRepoName  string                 `json:"release_repo_name,omitempty"`

	Transports map[string]TransportConfig `json:"transports"`

	// ChannelsFile optionally points at a declarative YAML channel-
	// instance list (internal/config/instances.go) merged onto
	// Transports after the JSON5 file and env overrides are applied.
	ChannelsFile string `json:"channels_file,omitempty"`

	Pairing pairing.Policy `json:"pairing"`

	Tracing TracingConfig `json:"tracing"`

	// PostgresDSN optionally enables the internal/store/pg mirror of
	// transport-health.json / release-update-state.json for a
	// multi-replica deployment (SPEC_FULL.md §5 "Optional Postgres
	// mirror"). Env-only, like the teacher's DatabaseConfig.PostgresDSN —
	// never persisted to the JSON5 file.
	PostgresDSN string `json:"-"`
}

// TracingConfig selects optional OpenTelemetry export (internal/tracing).
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the defaults spec.md names for each flag
// group, matching the teacher's Default() idiom.
func Default() *Config {
	return &Config{
		StateDir:                   "~/.taucore/state",
		DetailThreadOutput:         true,
		DetailThreadThresholdChars: 1500,
		ProcessedEventCap:          10000,
		MaxEventAgeSec:             300,
		ReconnectDelayMS:           2000,
		RetryMaxAttempts:           5,
		RetryBaseDelayMS:           500,
		TurnTimeoutMS:              180000,
		RequestTimeoutMS:           30000,
		SessionLockWaitMS:          5000,
		SessionLockStaleMS:         60000,
		ArtifactRetentionDays:      30,
		ReleaseChannel:             protocol.ChannelStable,
		ReleaseCacheTTLMS:          3600000,
		Transports:                 map[string]TransportConfig{},
		Pairing: pairing.Policy{
			StrictMode: true,
			Channels:   map[string]pairing.ChannelRule{},
		},
	}
}

// Load reads config from a JSON5 file at path, falling back to Default()
// when the file does not exist, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			instances, ierr := LoadChannelInstances(cfg.ChannelsFile)
			if ierr != nil {
				return nil, ierr
			}
			instances.MergeInto(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	instances, err := LoadChannelInstances(cfg.ChannelsFile)
	if err != nil {
		return nil, err
	}
	instances.MergeInto(cfg)

	return cfg, nil
}

// applyEnvOverrides overlays TAUCORE_* env vars; secrets are env-only and
// never round-trip through the JSON5 file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("TAUCORE_STATE_DIR", &c.StateDir)
	envStr("TAUCORE_BOT_USER_ID", &c.BotUserID)
	envStr("TAUCORE_CHANNELS_FILE", &c.ChannelsFile)
	envStr("TAUCORE_POSTGRES_DSN", &c.PostgresDSN)
	envInt("TAUCORE_PROCESSED_EVENT_CAP", &c.ProcessedEventCap)
	envInt64("TAUCORE_MAX_EVENT_AGE_SECONDS", &c.MaxEventAgeSec)
	envInt64("TAUCORE_RECONNECT_DELAY_MS", &c.ReconnectDelayMS)
	envInt("TAUCORE_RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	envInt64("TAUCORE_RETRY_BASE_DELAY_MS", &c.RetryBaseDelayMS)
	envInt64("TAUCORE_TURN_TIMEOUT_MS", &c.TurnTimeoutMS)
	envInt64("TAUCORE_REQUEST_TIMEOUT_MS", &c.RequestTimeoutMS)
	envInt64("TAUCORE_SESSION_LOCK_WAIT_MS", &c.SessionLockWaitMS)
	envInt64("TAUCORE_SESSION_LOCK_STALE_MS", &c.SessionLockStaleMS)
	envInt("TAUCORE_ARTIFACT_RETENTION_DAYS", &c.ArtifactRetentionDays)

	if v := os.Getenv("TAUCORE_RELEASE_CHANNEL"); v != "" {
		c.ReleaseChannel = protocol.ReleaseChannel(v)
	}
	envStr("TAUCORE_RELEASE_REPO_OWNER", &c.ReleaseRepoOwner)
	envStr("TAUCORE_RELEASE_REPO_NAME", &c.ReleaseRepoName)

	if v := os.Getenv("TAUCORE_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.OTLPEndpoint = v
	}
	envStr("TAUCORE_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)

	c.applyTransportEnv("slack", "TAUCORE_SLACK_APP_TOKEN", "TAUCORE_SLACK_BOT_TOKEN", "")
	c.applyTransportEnv("github", "", "TAUCORE_GITHUB_TOKEN", "TAUCORE_GITHUB_WEBHOOK_SECRET")
	c.applyTransportEnv("telegram", "", "TAUCORE_TELEGRAM_TOKEN", "")
	c.applyTransportEnv("discord", "", "TAUCORE_DISCORD_TOKEN", "")
	c.applyTransportEnv("whatsapp", "", "", "TAUCORE_WHATSAPP_WEBHOOK_SECRET")
	c.applyTransportEnv("webhook", "", "", "TAUCORE_WEBHOOK_APP_SECRET")
	if v := os.Getenv("TAUCORE_WEBHOOK_VERIFY_TOKEN"); v != "" {
		tc := c.Transports["webhook"]
		tc.VerifyToken = v
		tc.Enabled = true
		c.Transports["webhook"] = tc
	}
	if v := os.Getenv("TAUCORE_WEBHOOK_LISTEN_ADDR"); v != "" {
		tc := c.Transports["webhook"]
		tc.ListenAddr = v
		c.Transports["webhook"] = tc
	}
	if v := os.Getenv("TAUCORE_WEBHOOK_CALLBACK_BASE"); v != "" {
		tc := c.Transports["webhook"]
		tc.APIBase = v
		c.Transports["webhook"] = tc
	}
	if v := os.Getenv("TAUCORE_WHATSAPP_BRIDGE_URL"); v != "" {
		tc := c.Transports["whatsapp"]
		tc.APIBase = v
		tc.Enabled = true
		c.Transports["whatsapp"] = tc
	}
	if v := os.Getenv("TAUCORE_GITHUB_API_BASE"); v != "" {
		tc := c.Transports["github"]
		tc.APIBase = v
		c.Transports["github"] = tc
	}
	if v := os.Getenv("TAUCORE_SLACK_API_BASE"); v != "" {
		tc := c.Transports["slack"]
		tc.APIBase = v
		c.Transports["slack"] = tc
	}

	if v := os.Getenv("TAUCORE_OWNER_IDS"); v != "" {
		rule := c.Pairing.Channels["*"]
		if rule.AllowedActors == nil {
			rule.AllowedActors = map[string]bool{}
		}
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				rule.AllowedActors[id] = true
			}
		}
		c.Pairing.Channels["*"] = rule
	}
}

func (c *Config) applyTransportEnv(name, appTokenEnv, botTokenEnv, webhookSecretEnv string) {
	tc := c.Transports[name]
	changed := false
	if appTokenEnv != "" {
		if v := os.Getenv(appTokenEnv); v != "" {
			tc.AppToken = v
			changed = true
		}
	}
	if botTokenEnv != "" {
		if v := os.Getenv(botTokenEnv); v != "" {
			tc.BotToken = v
			changed = true
		}
	}
	if webhookSecretEnv != "" {
		if v := os.Getenv(webhookSecretEnv); v != "" {
			tc.WebhookSecret = v
			changed = true
		}
	}
	if changed {
		tc.Enabled = true
		c.Transports[name] = tc
	}
}

// ExpandHome expands a leading "~" to the user's home directory, matching
// the teacher's config.ExpandHome helper.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
