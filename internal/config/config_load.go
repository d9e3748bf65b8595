package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "~/.hivebot/hivebot.db",
		},
		Sources: SourcesConfig{
			Root: "~/.hivebot/services",
		},
		Sandbox: SandboxConfig{
			TimeoutMs:    2000,
			MaxOutputKiB: 256,
		},
		Flows: FlowsConfig{
			TTLSeconds:   600,
			SweepSeconds: 30,
		},
		Reaper: ReaperConfig{
			Path:         "~/.hivebot/reaper.db",
			SweepSeconds: 5,
		},
		Dispatch: DispatchConfig{
			RatePerMinute: 30,
			Burst:         10,
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8791,
			RateLimitRPM: 60,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "hivebot",
		},
		Tailscale: TailscaleConfig{
			Hostname: "hivebot",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults so a token-only env setup works out of the box.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Database
	envStr("HIVEBOT_DB_PATH", &c.Database.Path)
	envStr("HIVEBOT_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Service sources
	envStr("HIVEBOT_SOURCES_ROOT", &c.Sources.Root)

	// Channel secrets; a token provided via env also enables the channel.
	envStr("HIVEBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("HIVEBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if os.Getenv("HIVEBOT_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("HIVEBOT_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	// Gateway
	envStr("HIVEBOT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("HIVEBOT_HOST", &c.Gateway.Host)
	if v := os.Getenv("HIVEBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry
	envStr("HIVEBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HIVEBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HIVEBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HIVEBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HIVEBOT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("HIVEBOT_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("HIVEBOT_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("HIVEBOT_TSNET_DIR", &c.Tailscale.StateDir)
	if v := os.Getenv("HIVEBOT_TSNET_AUTH_KEY"); v != "" {
		c.Tailscale.Enabled = true
	}

	// Logging
	envStr("HIVEBOT_LOG_LEVEL", &c.Log.Level)
	envStr("HIVEBOT_LOG_FORMAT", &c.Log.Format)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after modifying config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StripSecrets zeros out all secret fields so they never persist in the
// config file. Secrets live in env vars.
func (c *Config) StripSecrets() {
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Gateway.Token = ""
	c.Tailscale.AuthKey = ""
	c.Database.PostgresDSN = ""
}

// Hash returns a short SHA-256 hash of the config, for startup logging and
// change detection.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
