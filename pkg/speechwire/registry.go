package speechwire

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/speechwire/pkg/configutil"
	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/providers/deepgram"
	"github.com/harunnryd/speechwire/pkg/providers/google"
	"github.com/harunnryd/speechwire/pkg/providers/httpstream"
	"github.com/harunnryd/speechwire/pkg/providers/mock"
	"github.com/harunnryd/speechwire/pkg/stt"
)

type AdapterFactory func(settings map[string]any, logger *slog.Logger) (stt.Adapter, error)

type SourceFactory func(settings map[string]any) (credentials.Source, error)

// Provider describes one adapter implementation.
type Provider struct {
	New AdapterFactory
	// DefaultEndpoint is used when a backend does not set one.
	DefaultEndpoint string
}

// Registry maps provider and auth type names to constructors.
type Registry struct {
	providers map[string]Provider
	sources   map[string]SourceFactory
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		sources:   make(map[string]SourceFactory),
	}
}

// DefaultRegistry knows every built-in adapter and credential source.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterProvider("google", Provider{
		DefaultEndpoint: google.DefaultEndpoint,
		New: func(settings map[string]any, _ *slog.Logger) (stt.Adapter, error) {
			s, err := google.ParseSettings(settings)
			if err != nil {
				return nil, err
			}
			return google.New(s), nil
		},
	})
	r.RegisterProvider("httpstream", Provider{
		New: func(settings map[string]any, _ *slog.Logger) (stt.Adapter, error) {
			s, err := httpstream.ParseSettings(settings)
			if err != nil {
				return nil, err
			}
			return httpstream.New(s), nil
		},
	})
	r.RegisterProvider("deepgram", Provider{
		DefaultEndpoint: deepgram.DefaultEndpoint,
		New: func(settings map[string]any, logger *slog.Logger) (stt.Adapter, error) {
			s, err := deepgram.ParseSettings(settings)
			if err != nil {
				return nil, err
			}
			return deepgram.New(s, logger), nil
		},
	})
	r.RegisterProvider("mock", Provider{
		New: func(settings map[string]any, _ *slog.Logger) (stt.Adapter, error) {
			s, err := mock.ParseSettings(settings)
			if err != nil {
				return nil, err
			}
			return mock.New(mock.NewAutoRemote(s)), nil
		},
	})

	r.RegisterSource("static", staticSource)
	r.RegisterSource("service_account", serviceAccountSource)
	r.RegisterSource("iam", iamSource)
	r.RegisterSource("jwt", signedJWTSource)
	return r
}

func (r *Registry) RegisterProvider(name string, p Provider) {
	r.providers[normalize(name)] = p
}

func (r *Registry) RegisterSource(authType string, f SourceFactory) {
	r.sources[normalize(authType)] = f
}

func (r *Registry) Provider(name string) (Provider, error) {
	p, ok := r.providers[normalize(name)]
	if !ok || p.New == nil {
		return Provider{}, fmt.Errorf("stt provider not registered: %s", name)
	}
	return p, nil
}

func (r *Registry) BuildSource(auth AuthConfig) (credentials.Source, error) {
	f := r.sources[normalize(auth.Type)]
	if f == nil {
		return nil, fmt.Errorf("auth type not registered: %s", auth.Type)
	}
	return f(auth.Settings)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type staticSettings struct {
	Key string `mapstructure:"key"`
}

func staticSource(raw map[string]any) (credentials.Source, error) {
	var s staticSettings
	if err := configutil.Decode(raw, configutil.Schema{Required: []string{"key"}}, &s); err != nil {
		return nil, err
	}
	return credentials.StaticSource{Value: s.Key}, nil
}

type serviceAccountSettings struct {
	KeyFile string   `mapstructure:"key_file"`
	KeyJSON string   `mapstructure:"key_json"`
	Scopes  []string `mapstructure:"scopes"`
}

func serviceAccountSource(raw map[string]any) (credentials.Source, error) {
	var s serviceAccountSettings
	schema := configutil.Schema{
		Optional: []string{"scopes"},
		OneOf:    [][]string{{"key_json", "key_file"}},
	}
	if err := configutil.Decode(raw, schema, &s); err != nil {
		return nil, err
	}
	key, err := inlineOrFile(s.KeyJSON, s.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewServiceAccountSource(key, s.Scopes...)
}

type iamSettings struct {
	ServiceAccountID string `mapstructure:"service_account_id"`
	KeyID            string `mapstructure:"key_id"`
	PrivateKey       string `mapstructure:"private_key"`
	PrivateKeyFile   string `mapstructure:"private_key_file"`
	TokenURL         string `mapstructure:"token_url"`
}

func iamSource(raw map[string]any) (credentials.Source, error) {
	var s iamSettings
	schema := configutil.Schema{
		Required: []string{"service_account_id", "key_id"},
		Optional: []string{"token_url"},
		OneOf:    [][]string{{"private_key", "private_key_file"}},
	}
	if err := configutil.Decode(raw, schema, &s); err != nil {
		return nil, err
	}
	key, err := inlineOrFile(s.PrivateKey, s.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewIAMSource(s.ServiceAccountID, s.KeyID, key, s.TokenURL, nil)
}

type jwtSettings struct {
	Method     string   `mapstructure:"method"`
	Key        string   `mapstructure:"key"`
	KeyFile    string   `mapstructure:"key_file"`
	KeyID      string   `mapstructure:"key_id"`
	Issuer     string   `mapstructure:"issuer"`
	Subject    string   `mapstructure:"subject"`
	Audience   []string `mapstructure:"audience"`
	LifetimeMS int      `mapstructure:"lifetime_ms"`
}

func signedJWTSource(raw map[string]any) (credentials.Source, error) {
	var s jwtSettings
	schema := configutil.Schema{
		Required: []string{"method"},
		Optional: []string{"key_id", "issuer", "subject", "audience", "lifetime_ms"},
		OneOf:    [][]string{{"key", "key_file"}},
	}
	if err := configutil.Decode(raw, schema, &s); err != nil {
		return nil, err
	}
	key, err := inlineOrFile(s.Key, s.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewSignedJWTSource(s.Method, key, s.KeyID, s.Issuer, s.Subject, s.Audience, time.Duration(s.LifetimeMS)*time.Millisecond)
}

func inlineOrFile(inline, path string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		return []byte(inline), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}
