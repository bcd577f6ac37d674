package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
)

type gatedSource struct {
	calls   atomic.Int32
	release chan struct{}
	now     func() time.Time
	ttl     time.Duration
	err     error
}

func (s *gatedSource) Fetch(ctx context.Context) (Credential, error) {
	n := s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Credential{}, s.err
	}
	return Credential{Value: "tok-" + string(rune('0'+n)), ExpiresAt: s.now().Add(s.ttl)}, nil
}

func TestTokenConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &gatedSource{release: make(chan struct{}), now: func() time.Time { return now }, ttl: time.Hour}
	p := NewProvider(Options{Now: func() time.Time { return now }})
	p.Register("google", src)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Token(context.Background(), "google")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Value != results[0].Value {
			t.Fatalf("callers observed different credentials")
		}
	}
}

func TestTokenRefreshesInsideMinValidity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &gatedSource{now: func() time.Time { return now }, ttl: 5 * time.Minute}
	p := NewProvider(Options{MinValidity: time.Minute, Now: func() time.Time { return now }})
	p.Register("a", src)

	first, err := p.Token(context.Background(), "a")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	now = now.Add(3 * time.Minute)
	if again, _ := p.Token(context.Background(), "a"); again.Value != first.Value {
		t.Fatalf("expected cached credential while outside min validity")
	}
	now = now.Add(90 * time.Second)
	second, err := p.Token(context.Background(), "a")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if second.Value == first.Value {
		t.Fatalf("expected refresh once inside min validity")
	}
	if second.BackendID != "a" {
		t.Fatalf("expected backend id to be stamped, got %q", second.BackendID)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expected 2 refreshes, got %d", src.calls.Load())
	}
}

func TestTokenCancelledCallerStillCachesRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &gatedSource{release: make(chan struct{}), now: func() time.Time { return now }, ttl: time.Hour}
	p := NewProvider(Options{Now: func() time.Time { return now }})
	p.Register("a", src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Token(ctx, "a")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(src.release)

	deadline := time.Now().Add(time.Second)
	for {
		p.mu.RLock()
		_, cached := p.cache["a"]
		p.mu.RUnlock()
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh result was not cached after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := p.Token(context.Background(), "a"); err != nil {
		t.Fatalf("token: %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected the in-flight refresh to be reused, got %d calls", src.calls.Load())
	}
}

func TestTokenClockSkewIsAuthError(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &gatedSource{now: func() time.Time { return now }, ttl: 10 * time.Second}
	p := NewProvider(Options{MinValidity: time.Minute, Now: func() time.Time { return now }})
	p.Register("a", src)

	_, err := p.Token(context.Background(), "a")
	if errorsx.KindOf(err) != errorsx.KindAuth {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestTokenNetworkFailureIsTransient(t *testing.T) {
	src := &gatedSource{now: time.Now, err: errors.New("connection reset")}
	p := NewProvider(Options{})
	p.Register("a", src)

	_, err := p.Token(context.Background(), "a")
	if errorsx.KindOf(err) != errorsx.KindTransientAuth {
		t.Fatalf("expected TransientAuthError, got %v", err)
	}
	if !errorsx.Retryable(err) {
		t.Fatalf("transient auth must be retryable")
	}
}

func TestTokenUnknownBackend(t *testing.T) {
	p := NewProvider(Options{})
	_, err := p.Token(context.Background(), "nope")
	if errorsx.KindOf(err) != errorsx.KindAuth {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestInvalidateAndShutdown(t *testing.T) {
	src := &gatedSource{now: time.Now, ttl: time.Hour}
	p := NewProvider(Options{})
	p.Register("a", src)

	if _, err := p.Token(context.Background(), "a"); err != nil {
		t.Fatalf("token: %v", err)
	}
	p.Invalidate("a")
	if _, err := p.Token(context.Background(), "a"); err != nil {
		t.Fatalf("token: %v", err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expected refresh after invalidate, got %d", src.calls.Load())
	}
	p.Shutdown()
	if _, err := p.Token(context.Background(), "a"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestStaticSourceNeverExpires(t *testing.T) {
	p := NewProvider(Options{})
	p.Register("dg", StaticSource{Value: "key"})
	cred, err := p.Token(context.Background(), "dg")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if cred.Bearer() != "Bearer key" || !cred.ExpiresAt.IsZero() {
		t.Fatalf("unexpected credential %+v", cred)
	}
}
