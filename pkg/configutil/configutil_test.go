package configutil

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSettings(t *testing.T) {
	schema := Schema{
		Required: []string{"method"},
		Optional: []string{"scopes"},
		OneOf:    [][]string{{"key", "key_file"}},
	}
	if err := ValidateSettings(map[string]any{"Method": "RS256", "key-file": "/k.pem"}, schema); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}

	err := ValidateSettings(map[string]any{"method": " ", "key": "a", "key_file": "b", "bogus": 1}, schema)
	var se *SettingsError
	if !errors.As(err, &se) {
		t.Fatalf("expected SettingsError, got %v", err)
	}
	if len(se.Missing) != 1 || se.Missing[0] != "method" {
		t.Fatalf("unexpected missing %v", se.Missing)
	}
	if len(se.Unknown) != 1 || se.Unknown[0] != "bogus" {
		t.Fatalf("unexpected unknown %v", se.Unknown)
	}
	if len(se.Conflict) != 1 {
		t.Fatalf("expected key conflict, got %v", se.Conflict)
	}
	if err.Error() != "missing: method; unknown: bogus; exactly one of: key, key_file" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if err := ValidateSettings(map[string]any{"method": "x"}, schema); err == nil {
		t.Fatalf("expected error when neither key is set")
	}
	if err := ValidateSettings(map[string]any{"other": 1}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("expected unknown keys to pass, got %v", err)
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		Model    string        `mapstructure:"model"`
		Grace    time.Duration `mapstructure:"drain_grace"`
		Audience []string      `mapstructure:"audience"`
		Limit    int           `mapstructure:"limit"`
		Enabled  bool          `mapstructure:"enabled"`
	}
	in := map[string]any{
		"MODEL":       "general",
		"drain-grace": "1500ms",
		"audience":    "a,b",
		"limit":       "3",
		"enabled":     "true",
	}
	if err := Decode(in, Schema{Optional: []string{"model", "drain_grace", "audience", "limit", "enabled"}}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "general" || out.Grace != 1500*time.Millisecond || out.Limit != 3 || !out.Enabled {
		t.Fatalf("unexpected decode %+v", out)
	}
	if len(out.Audience) != 2 || out.Audience[1] != "b" {
		t.Fatalf("unexpected audience %v", out.Audience)
	}
}
