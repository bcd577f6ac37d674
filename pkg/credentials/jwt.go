package credentials

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harunnryd/speechwire/pkg/errorsx"
)

const (
	DefaultIAMTokenURL  = "https://iam.api.cloud.yandex.net/iam/v1/tokens"
	DefaultJWTLifetime  = time.Hour
	maxErrorBodyPreview = 4 << 10
)

// IAMSource signs a PS256 service-account assertion and exchanges it at an
// IAM endpoint for a short-lived bearer token.
type IAMSource struct {
	ServiceAccountID string
	KeyID            string
	PrivateKey       *rsa.PrivateKey
	TokenURL         string
	HTTPClient       *http.Client
	Lifetime         time.Duration

	now func() time.Time
}

// NewIAMSource parses a PEM RSA key and builds an exchange source.
func NewIAMSource(serviceAccountID, keyID string, pemKey []byte, tokenURL string, client *http.Client) (*IAMSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, errorsx.New(errorsx.KindAuth, "parse iam key", err)
	}
	if strings.TrimSpace(tokenURL) == "" {
		tokenURL = DefaultIAMTokenURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IAMSource{
		ServiceAccountID: serviceAccountID,
		KeyID:            keyID,
		PrivateKey:       key,
		TokenURL:         tokenURL,
		HTTPClient:       client,
		Lifetime:         DefaultJWTLifetime,
		now:              time.Now,
	}, nil
}

type iamResponse struct {
	IAMToken  string    `json:"iamToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *IAMSource) Fetch(ctx context.Context) (Credential, error) {
	now := s.clock()
	lifetime := s.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultJWTLifetime
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.ServiceAccountID,
		Audience:  jwt.ClaimStrings{s.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	token.Header["kid"] = s.KeyID
	assertion, err := token.SignedString(s.PrivateKey)
	if err != nil {
		return Credential{}, errorsx.New(errorsx.KindAuth, "sign iam assertion", err)
	}

	body, err := json.Marshal(map[string]string{"jwt": assertion})
	if err != nil {
		return Credential{}, errorsx.New(errorsx.KindAuth, "encode iam request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, errorsx.New(errorsx.KindAuth, "build iam request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, errorsx.New(errorsx.KindTransientAuth, "iam exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
		return Credential{}, classifyStatus(resp.StatusCode, "iam exchange",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview))))
	}
	var out iamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, errorsx.New(errorsx.KindTransientAuth, "decode iam response", err)
	}
	return Credential{Value: out.IAMToken, ExpiresAt: out.ExpiresAt}, nil
}

func (s *IAMSource) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// SignedJWTSource issues self-signed JWT bearers, for backends that accept
// the assertion itself instead of an exchanged token.
type SignedJWTSource struct {
	Method   jwt.SigningMethod
	Key      any
	KeyID    string
	Issuer   string
	Subject  string
	Audience []string
	Lifetime time.Duration

	now func() time.Time
}

// NewSignedJWTSource resolves the signing method by name ("HS256", "RS256",
// "PS256", ...). PEM keys are parsed for RSA methods; HMAC keys are raw bytes.
func NewSignedJWTSource(method string, key []byte, keyID, issuer, subject string, audience []string, lifetime time.Duration) (*SignedJWTSource, error) {
	m := jwt.GetSigningMethod(strings.ToUpper(strings.TrimSpace(method)))
	if m == nil {
		return nil, errorsx.Newf(errorsx.KindAuth, "configure jwt", "unsupported signing method %q", method)
	}
	var signingKey any = key
	switch m.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(key)
		if err != nil {
			return nil, errorsx.New(errorsx.KindAuth, "parse jwt key", err)
		}
		signingKey = rsaKey
	case *jwt.SigningMethodECDSA:
		ecKey, err := jwt.ParseECPrivateKeyFromPEM(key)
		if err != nil {
			return nil, errorsx.New(errorsx.KindAuth, "parse jwt key", err)
		}
		signingKey = ecKey
	}
	if lifetime <= 0 {
		lifetime = DefaultJWTLifetime
	}
	return &SignedJWTSource{
		Method:   m,
		Key:      signingKey,
		KeyID:    keyID,
		Issuer:   issuer,
		Subject:  subject,
		Audience: audience,
		Lifetime: lifetime,
		now:      time.Now,
	}, nil
}

func (s *SignedJWTSource) Fetch(context.Context) (Credential, error) {
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	expires := now.Add(s.Lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    s.Issuer,
		Subject:   s.Subject,
		Audience:  jwt.ClaimStrings(s.Audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(s.Method, claims)
	if s.KeyID != "" {
		token.Header["kid"] = s.KeyID
	}
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return Credential{}, errorsx.New(errorsx.KindAuth, "sign jwt", err)
	}
	// NumericDate has second precision; report the truncated expiry the
	// remote will actually enforce.
	return Credential{Value: signed, ExpiresAt: expires.Truncate(time.Second)}, nil
}
