package stt

import (
	"errors"
	"testing"
)

func TestStateMachineTransitions(t *testing.T) {
	var seen []StateChange
	sm := newStateMachine(StateListenerFunc(func(ev StateChange) { seen = append(seen, ev) }))

	if err := sm.Transition(StateStreaming, "connected"); err != nil {
		t.Fatalf("connecting -> streaming: %v", err)
	}
	if err := sm.Transition(StateDraining, "eos"); err != nil {
		t.Fatalf("streaming -> draining: %v", err)
	}
	if err := sm.Transition(StateStreaming, "again"); err == nil {
		t.Fatalf("expected draining -> streaming to be rejected")
	}
	if err := sm.Transition(StateClosed, "done"); err != nil {
		t.Fatalf("draining -> closed: %v", err)
	}

	err := sm.Transition(StateFailed, "late")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StateClosed {
		t.Fatalf("expected terminal state to reject transitions, got %v", err)
	}
	if len(seen) != 3 || seen[2].To != StateClosed {
		t.Fatalf("unexpected listener events %+v", seen)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BackendID: " a ", Encoding: "mulaw"}.WithDefaults()
	if cfg.BackendID != "a" || cfg.Encoding != EncodingMulaw || cfg.SampleRate != DefaultSampleRate || cfg.Language != DefaultLanguage {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BytesPerSecond() != 8000 {
		t.Fatalf("expected 8000 bytes/s for mulaw, got %d", cfg.BytesPerSecond())
	}
	lin := Config{BackendID: "a", SampleRate: 16000}.WithDefaults()
	if lin.BytesPerSecond() != 32000 {
		t.Fatalf("expected 32000 bytes/s for linear16, got %d", lin.BytesPerSecond())
	}
	if err := (Config{BackendID: "a", Encoding: "X", SampleRate: -1}).Validate(); err == nil {
		t.Fatalf("expected invalid sample rate to fail")
	}
}
