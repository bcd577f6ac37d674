package speechwire

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/resilience"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/supervisor"
	"github.com/harunnryd/speechwire/pkg/transport"
	"github.com/harunnryd/speechwire/pkg/transports/ws"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel       string                   `mapstructure:"log_level"`
	LogFormat      string                   `mapstructure:"log_format"`
	DefaultBackend string                   `mapstructure:"default_backend"`
	Credentials    CredentialsConfig        `mapstructure:"credentials"`
	Transport      TransportConfig          `mapstructure:"transport"`
	Retry          RetryConfig              `mapstructure:"retry"`
	Replay         ReplayConfig             `mapstructure:"replay"`
	Quota          QuotaConfig              `mapstructure:"quota"`
	Session        SessionConfig            `mapstructure:"session"`
	Privacy        PrivacyConfig            `mapstructure:"privacy"`
	Backends       map[string]BackendConfig `mapstructure:"backends"`
	Gateway        ws.Config                `mapstructure:"gateway"`
}

type CredentialsConfig struct {
	MinValidityMS    int `mapstructure:"min_validity_ms"`
	RefreshTimeoutMS int `mapstructure:"refresh_timeout_ms"`
}

type TransportConfig struct {
	IdleTimeoutMS int                   `mapstructure:"idle_timeout_ms"`
	DialTimeoutMS int                   `mapstructure:"dial_timeout_ms"`
	Trust         transport.TrustConfig `mapstructure:"trust"`
}

type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMS int     `mapstructure:"base_delay_ms"`
	MaxDelayMS  int     `mapstructure:"max_delay_ms"`
	Jitter      float64 `mapstructure:"jitter"`
	AuthRetries int     `mapstructure:"auth_retries"`
}

type ReplayConfig struct {
	WindowChunks int `mapstructure:"window_chunks"`
	MaxAgeMS     int `mapstructure:"max_age_ms"`
}

type QuotaConfig struct {
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type SessionConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

// BackendConfig binds one remote: which adapter speaks to it, where it
// lives, and how to authenticate.
type BackendConfig struct {
	Provider string         `mapstructure:"provider"`
	Endpoint string         `mapstructure:"endpoint"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Settings map[string]any `mapstructure:"settings"`
	// Defaults fill stream configs opened against this backend.
	Defaults StreamDefaults `mapstructure:"defaults"`
}

type AuthConfig struct {
	Type     string         `mapstructure:"type"`
	Settings map[string]any `mapstructure:"settings"`
}

type StreamDefaults struct {
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Language       string `mapstructure:"language"`
	InterimResults bool   `mapstructure:"interim_results"`
	Model          string `mapstructure:"model"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("credentials.min_validity_ms", int(credentials.DefaultMinValidity/time.Millisecond))
	v.SetDefault("credentials.refresh_timeout_ms", int(credentials.DefaultRefreshTimeout/time.Millisecond))
	v.SetDefault("transport.idle_timeout_ms", 30000)
	v.SetDefault("transport.dial_timeout_ms", 10000)
	v.SetDefault("transport.trust.system_roots", true)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay_ms", 200)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.auth_retries", 1)
	v.SetDefault("replay.window_chunks", supervisor.DefaultReplayWindow)
	v.SetDefault("replay.max_age_ms", 0)
	v.SetDefault("quota.breaker_threshold", 3)
	v.SetDefault("quota.breaker_cooldown_ms", 30000)
	v.SetDefault("session.queue_size", stt.DefaultQueueSize)
	v.SetDefault("privacy.redact_transcripts", true)
	v.SetDefault("gateway.server_addr", ":8080")
	v.SetDefault("gateway.ws_path", "/ws")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	for id, b := range c.Backends {
		if strings.TrimSpace(b.Provider) == "" {
			return fmt.Errorf("backends.%s.provider is required", id)
		}
		if strings.TrimSpace(b.Auth.Type) == "" {
			return fmt.Errorf("backends.%s.auth.type is required", id)
		}
	}
	if c.DefaultBackend != "" {
		if _, ok := c.Backends[c.DefaultBackend]; !ok {
			return fmt.Errorf("default_backend %q is not configured", c.DefaultBackend)
		}
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.AuthRetries < 0 {
		return fmt.Errorf("retry.max_attempts and retry.auth_retries must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1]")
	}
	return nil
}

func (c RetryConfig) Backoff() resilience.Backoff {
	return resilience.NewBackoff(c.MaxAttempts, ms(c.BaseDelayMS), ms(c.MaxDelayMS), c.Jitter)
}

func (c TransportConfig) PoolOptions() transport.Options {
	return transport.Options{
		Trust:       c.Trust,
		IdleTimeout: ms(c.IdleTimeoutMS),
		DialTimeout: ms(c.DialTimeoutMS),
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for id, b := range cfg.Backends {
		b.Provider = os.ExpandEnv(b.Provider)
		b.Endpoint = os.ExpandEnv(b.Endpoint)
		b.Auth.Type = os.ExpandEnv(b.Auth.Type)
		b.Auth.Settings = expandSettings(b.Auth.Settings)
		b.Settings = expandSettings(b.Settings)
		cfg.Backends[id] = b
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
