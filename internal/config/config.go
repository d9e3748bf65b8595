package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON. Chat IDs are
// numeric on Telegram and people paste them unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root runtime configuration. Immutable after Load; components
// copy what they need at wiring time.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Sources   SourcesConfig   `json:"sources"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Flows     FlowsConfig     `json:"flows"`
	Reaper    ReaperConfig    `json:"reaper"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	GC        GCConfig        `json:"gc,omitempty"`
	Watch     WatchConfig     `json:"watch,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
}

// DatabaseConfig selects the persistence backend. Path is the SQLite file
// (":memory:" for an in-memory database). PostgresDSN is a secret and comes
// only from env HIVEBOT_POSTGRES_DSN; when set it replaces SQLite.
type DatabaseConfig struct {
	Path        string `json:"path"`
	PostgresDSN string `json:"-"`
}

// SourcesConfig locates service sources on disk. Entry paths in chat
// configurations resolve relative to Root.
type SourcesConfig struct {
	Root string `json:"root"`
}

// SandboxConfig bounds sandboxed service executions.
type SandboxConfig struct {
	TimeoutMs    int    `json:"timeout_ms,omitempty"`     // per-invocation wall clock (default 2000)
	MaxOutputKiB int    `json:"max_output_kib,omitempty"` // stdout ceiling (default 256)
	ScratchDir   string `json:"scratch_dir,omitempty"`    // child working directory (default os.TempDir)
}

// FlowsConfig tunes active-flow sessions.
type FlowsConfig struct {
	TTLSeconds   int `json:"ttl_seconds,omitempty"`   // session lifetime (default 600)
	SweepSeconds int `json:"sweep_seconds,omitempty"` // sweep interval (default 30)
}

// ReaperConfig tunes bot-message retention. Path is a bbolt file; empty
// means in-memory tracking that does not survive restarts.
type ReaperConfig struct {
	Path              string `json:"path,omitempty"`
	SweepSeconds      int    `json:"sweep_seconds,omitempty"`       // deletion sweep interval (default 5)
	DefaultTTLSeconds int    `json:"default_ttl_seconds,omitempty"` // retention when a response sets none (0 = keep forever)
}

// DispatchConfig rate-limits per-chat dispatching.
type DispatchConfig struct {
	RatePerMinute int `json:"rate_per_minute,omitempty"` // default 30, 0 = disabled
	Burst         int `json:"burst,omitempty"`           // default 10
}

// ChannelsConfig holds platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"token,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allow_from,omitempty"` // chat IDs; empty = allow all
	LinkPreview *bool               `json:"link_preview,omitempty"`
}

type DiscordConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allow_from,omitempty"`
	CommandPrefix string              `json:"command_prefix,omitempty"` // default "/"
}

// GatewayConfig configures the admin HTTP/WS server.
type GatewayConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for WS/HTTP auth
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-client request budget (default 60, 0 = disabled)
}

// GCConfig schedules orphan-bundle collection. Schedule is a cron expression
// evaluated once a minute; empty disables scheduled GC.
type GCConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

// WatchConfig enables the source watcher: edits under sources.root force a
// snapshot rebuild for chats using the touched entry.
type WatchConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export. When enabled, spans
// are exported to an OTLP backend (Jaeger, Tempo, Datadog, ...).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport, for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "hivebot"
	Headers     map[string]string `json:"headers,omitempty"`      // extra OTLP headers (auth tokens)
}

// TailscaleConfig configures the optional tsnet listener for the admin
// gateway. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Hostname  string `json:"hostname,omitempty"`   // tailnet machine name (default "hivebot")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env HIVEBOT_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS for tailnet HTTPS certs
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}
