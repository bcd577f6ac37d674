package redact

import (
	"strings"
	"testing"
)

const sample = "email a@b.com, card 4111 1111 1111 1111 and phone +62 812 3456 7890"

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	if got := Text(sample); got != sample {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text(sample)
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_CARD]", "[REDACTED_PHONE]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "4111") || strings.Contains(got, "7890") {
		t.Fatalf("digits leaked: %q", got)
	}
}

func TestTranscriptClipsRunes(t *testing.T) {
	SetEnabled(false)
	long := strings.Repeat("ж", MaxTranscriptRunes+5)
	got := Transcript("  " + long + "  ")
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != MaxTranscriptRunes+3 {
		t.Fatalf("unexpected clip %q", got)
	}
	if Transcript(" short ") != "short" {
		t.Fatalf("expected trimmed short transcript")
	}
}

func TestSecret(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"abc":               "****",
		"ya29.a0AfH6SMBxyz": "****Bxyz",
	}
	for in, want := range cases {
		if got := Secret(in); got != want {
			t.Fatalf("Secret(%q) = %q, want %q", in, got, want)
		}
	}
}
