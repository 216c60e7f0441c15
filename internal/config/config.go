// Package config loads the service configuration from TOML, applies
// defaults and WASESSION_* environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	EnvAddr     = "WASESSION_ADDR"
	EnvDataDir  = "WASESSION_DATA_DIR"
	EnvLogLevel = "WASESSION_LOG_LEVEL"
	EnvConfig   = "WASESSION_CONFIG"
)

const (
	TransportBridge    = "bridge"
	TransportWhatsmeow = "whatsmeow"
)

// Duration reads "30s"-style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Log         LogConfig         `toml:"log"`
	Storage     StorageConfig     `toml:"storage"`
	Session     SessionConfig     `toml:"session"`
	Providers   ProvidersConfig   `toml:"providers"`
	Embedded    EmbeddedConfig    `toml:"embedded"`
	BusinessAPI BusinessAPIConfig `toml:"business_api"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr" validate:"required"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir" validate:"required"`
}

type SessionConfig struct {
	ReconnectDelay       Duration `toml:"reconnect_delay" validate:"gte=0"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts" validate:"gte=0"`
	ReconnectMultiplier  float64  `toml:"reconnect_multiplier" validate:"gte=1"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay" validate:"gte=0"`
	PairingWait          Duration `toml:"pairing_wait" validate:"gt=0"`
	TerminalCloseCodes   []int    `toml:"terminal_close_codes"`
}

type ProvidersConfig struct {
	DefaultKind string `toml:"default_kind" validate:"omitempty,oneof=embedded business_api"`
	TenantsFile string `toml:"tenants_file"`
}

type EmbeddedConfig struct {
	Enabled   *bool         `toml:"enabled"`
	Transport string        `toml:"transport" validate:"oneof=bridge whatsmeow"`
	SendRate  float64       `toml:"send_rate" validate:"gt=0"`
	SendBurst int           `toml:"send_burst" validate:"gte=1"`
	Runtime   RuntimeConfig `toml:"runtime"`
}

type RuntimeConfig struct {
	WorkingDir          string            `toml:"working_dir"`
	Command             string            `toml:"command"`
	Args                []string          `toml:"args"`
	Env                 map[string]string `toml:"env"`
	HealthURL           string            `toml:"health_url" validate:"omitempty,url"`
	BridgeURL           string            `toml:"bridge_url" validate:"omitempty,url"`
	StartupTimeout      Duration          `toml:"startup_timeout" validate:"gt=0"`
	StartupPollInterval Duration          `toml:"startup_poll_interval" validate:"gt=0"`
	HealthInterval      Duration          `toml:"health_interval" validate:"gt=0"`
	HealthTimeout       Duration          `toml:"health_timeout" validate:"gt=0"`
	MaxRestarts         int               `toml:"max_restarts" validate:"gte=0"`
	RestartCooldown     Duration          `toml:"restart_cooldown" validate:"gte=0"`
	StopTimeout         Duration          `toml:"stop_timeout" validate:"gt=0"`
}

type BusinessAPIConfig struct {
	Enabled          *bool    `toml:"enabled"`
	BaseURL          string   `toml:"base_url" validate:"required,url"`
	APIVersion       string   `toml:"api_version" validate:"required"`
	Timeout          Duration `toml:"timeout" validate:"gt=0"`
	BreakerThreshold int      `toml:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  Duration `toml:"breaker_cooldown" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: "data"},
		Session: SessionConfig{
			ReconnectDelay:      Duration(5 * time.Second),
			ReconnectMultiplier: 1,
			ReconnectMaxDelay:   Duration(5 * time.Minute),
			PairingWait:         Duration(20 * time.Second),
		},
		Providers: ProvidersConfig{DefaultKind: "embedded"},
		Embedded: EmbeddedConfig{
			Transport: TransportBridge,
			SendRate:  1,
			SendBurst: 5,
			Runtime: RuntimeConfig{
				HealthURL:           "http://127.0.0.1:3000/health",
				BridgeURL:           "http://127.0.0.1:3000",
				StartupTimeout:      Duration(30 * time.Second),
				StartupPollInterval: Duration(time.Second),
				HealthInterval:      Duration(30 * time.Second),
				HealthTimeout:       Duration(5 * time.Second),
				MaxRestarts:         3,
				RestartCooldown:     Duration(5 * time.Second),
				StopTimeout:         Duration(10 * time.Second),
			},
		},
		BusinessAPI: BusinessAPIConfig{
			BaseURL:          "https://graph.facebook.com",
			APIVersion:       "v21.0",
			Timeout:          Duration(30 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
	}
}

// Loaded is a validated configuration plus anything worth telling the
// operator about it.
type Loaded struct {
	Config
	Warnings []string
}

// EmbeddedEnabled reports whether the embedded provider can be served.
func (c Config) EmbeddedEnabled() bool {
	if c.Embedded.Enabled != nil && !*c.Embedded.Enabled {
		return false
	}
	if c.Embedded.Transport == TransportBridge {
		return c.runtimeProblem() == ""
	}
	return true
}

func (c Config) BusinessAPIEnabled() bool {
	return c.BusinessAPI.Enabled == nil || *c.BusinessAPI.Enabled
}

// Supervised reports whether the external runtime is launched and watched.
func (c Config) Supervised() bool {
	return c.EmbeddedEnabled() && c.Embedded.Transport == TransportBridge
}

// TenantsPath resolves the tenants file against the data dir.
func (c Config) TenantsPath() string {
	path := c.Providers.TenantsFile
	if path == "" {
		path = "tenants.toml"
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Storage.DataDir, path)
}

func (c Config) runtimeProblem() string {
	rt := c.Embedded.Runtime
	if strings.TrimSpace(rt.Command) == "" {
		return "embedded.runtime.command is not set"
	}
	if strings.TrimSpace(rt.WorkingDir) == "" {
		return "embedded.runtime.working_dir is not set"
	}
	info, err := os.Stat(rt.WorkingDir)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("embedded.runtime.working_dir %q does not exist", rt.WorkingDir)
	}
	return ""
}

// Load reads path (an empty path means defaults only), applies environment
// overrides and validates.
func Load(path string) (Loaded, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}
	return Loaded{Config: cfg, Warnings: warnings(cfg)}, nil
}

// LoadDotEnv loads KEY=value files into the environment without overriding
// variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, code := range cfg.Session.TerminalCloseCodes {
		if code <= 0 {
			return fmt.Errorf("invalid config: session.terminal_close_codes contains %d", code)
		}
	}
	return nil
}

func warnings(cfg Config) []string {
	var out []string
	if cfg.Embedded.Enabled == nil || *cfg.Embedded.Enabled {
		if cfg.Embedded.Transport == TransportBridge {
			if problem := cfg.runtimeProblem(); problem != "" {
				out = append(out, problem+"; embedded provider disabled")
			}
		}
	}
	if cfg.Providers.DefaultKind == "embedded" && !cfg.EmbeddedEnabled() {
		out = append(out, "default provider kind embedded is disabled; tenants without a record will fail")
	}
	if cfg.Providers.DefaultKind == "business_api" && !cfg.BusinessAPIEnabled() {
		out = append(out, "default provider kind business_api is disabled; tenants without a record will fail")
	}
	if !cfg.EmbeddedEnabled() && !cfg.BusinessAPIEnabled() {
		out = append(out, "no provider is enabled; every session request will fail")
	}
	if _, err := os.Stat(cfg.TenantsPath()); errors.Is(err, os.ErrNotExist) {
		out = append(out, fmt.Sprintf("tenants file %s not found; every tenant uses the default provider", cfg.TenantsPath()))
	}
	return out
}
