package credentials

import (
	"context"
	"errors"
	"net/http"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultSpeechScope is the OAuth2 scope for Cloud Speech.
const DefaultSpeechScope = "https://www.googleapis.com/auth/cloud-platform"

// OAuth2Source exchanges a grant for an access token through x/oauth2.
// A fresh oauth2.TokenSource is built per Fetch so the library's own cache
// never hands back a token the Provider already considers stale.
type OAuth2Source struct {
	newSource func(ctx context.Context) oauth2.TokenSource
}

func NewOAuth2Source(newSource func(ctx context.Context) oauth2.TokenSource) *OAuth2Source {
	return &OAuth2Source{newSource: newSource}
}

// NewServiceAccountSource builds a source from a service-account JSON key.
func NewServiceAccountSource(keyJSON []byte, scopes ...string) (*OAuth2Source, error) {
	if len(scopes) == 0 {
		scopes = []string{DefaultSpeechScope}
	}
	conf, err := google.JWTConfigFromJSON(keyJSON, scopes...)
	if err != nil {
		return nil, errorsx.New(errorsx.KindAuth, "parse service account key", err)
	}
	return &OAuth2Source{newSource: conf.TokenSource}, nil
}

func (s *OAuth2Source) Fetch(ctx context.Context) (Credential, error) {
	tok, err := s.newSource(ctx).Token()
	if err != nil {
		return Credential{}, classifyOAuth2(err)
	}
	return Credential{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

func classifyOAuth2(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return classifyStatus(re.Response.StatusCode, "oauth2 token", err)
	}
	return errorsx.New(errorsx.KindTransientAuth, "oauth2 token", err)
}

// classifyStatus maps a token endpoint status: 4xx rejections are fatal,
// throttling and server faults are retryable.
func classifyStatus(code int, op string, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return errorsx.New(errorsx.KindTransientAuth, op, err)
	case code >= 400:
		return errorsx.New(errorsx.KindAuth, op, err)
	default:
		return errorsx.New(errorsx.KindTransientAuth, op, err)
	}
}
