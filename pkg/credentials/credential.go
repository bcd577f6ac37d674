package credentials

import (
	"context"
	"time"
)

// Credential is a bearer value issued for one backend. It is never mutated;
// a refresh produces a new value.
type Credential struct {
	Value     string
	ExpiresAt time.Time
	BackendID string
}

// Expired reports whether the credential must not be handed out at now,
// given the required remaining validity. A zero ExpiresAt never expires.
func (c Credential) Expired(now time.Time, minValidity time.Duration) bool {
	if c.Value == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-minValidity))
}

// Bearer returns the Authorization header value.
func (c Credential) Bearer() string {
	return "Bearer " + c.Value
}

// Source performs one round trip to obtain a fresh credential.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Credential, error)

func (f SourceFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

// StaticSource serves a fixed API key that never expires.
type StaticSource struct {
	Value string
}

func (s StaticSource) Fetch(context.Context) (Credential, error) {
	return Credential{Value: s.Value}, nil
}
