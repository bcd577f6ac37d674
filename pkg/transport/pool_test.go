package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
)

func trustFor(srv *httptest.Server) TrustConfig {
	cert := srv.Certificate()
	return TrustConfig{CAPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))}
}

func newTLSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestTrustConfigRequiresRoots(t *testing.T) {
	if _, err := (TrustConfig{}).TLSConfig(); err == nil {
		t.Fatalf("expected error without trust roots")
	}
	if _, err := (TrustConfig{CAPEM: "garbage"}).TLSConfig(); err == nil {
		t.Fatalf("expected error for unparseable pem")
	}
	if (TrustConfig{SystemRoots: true, CAFile: "  "}).Custom() || !(TrustConfig{CAPEM: "x"}).Custom() {
		t.Fatalf("Custom must report only named CAs")
	}
}

func TestAcquireSharesChannelPerKey(t *testing.T) {
	srv := newTLSServer(t)
	pool, err := NewPool(Options{Trust: trustFor(srv)})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	key := Key{Backend: "b", Endpoint: srv.URL, Kind: KindHTTP}
	a, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same channel for the same key")
	}
	if stats := pool.Stats(); len(stats) != 1 || stats[0].Refs != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp, err := a.HTTP().Get(srv.URL)
	if err != nil {
		t.Fatalf("request over pooled client: %v", err)
	}
	_ = resp.Body.Close()
	if resp.ProtoMajor != 2 {
		t.Fatalf("expected HTTP/2, got %s", resp.Proto)
	}

	pool.Release(a)
	if stats := pool.Stats(); len(stats) != 1 {
		t.Fatalf("channel closed while still referenced")
	}
	pool.Release(b)
	if stats := pool.Stats(); len(stats) != 0 {
		t.Fatalf("expected channel to close when unreferenced, got %+v", stats)
	}

	c, err := pool.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if c == a {
		t.Fatalf("expected a fresh channel after close")
	}
	pool.Release(c)
}

func TestIdleTimeoutKeepsChannelForReuse(t *testing.T) {
	srv := newTLSServer(t)
	pool, err := NewPool(Options{Trust: trustFor(srv), IdleTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	key := Key{Backend: "b", Endpoint: srv.URL, Kind: KindHTTP}
	a, _ := pool.Acquire(context.Background(), key)
	pool.Release(a)
	b, _ := pool.Acquire(context.Background(), key)
	if a != b {
		t.Fatalf("expected idle channel to be reused")
	}
	pool.Release(b)

	deadline := time.Now().Add(time.Second)
	for len(pool.Stats()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle channel was never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcquireRefusedIsConnectError(t *testing.T) {
	srv := newTLSServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	pool, _ := NewPool(Options{Trust: trustFor(srv), DialTimeout: time.Second})
	defer pool.Close()
	_, err = pool.Acquire(context.Background(), Key{Backend: "b", Endpoint: "https://" + addr, Kind: KindHTTP})
	if errorsx.KindOf(err) != errorsx.KindConnect {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}

func unrelatedCA(t *testing.T) TrustConfig {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "unrelated"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return TrustConfig{CAPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))}
}

func TestAcquireUntrustedCertificateIsConnectError(t *testing.T) {
	srv := newTLSServer(t)
	pool, err := NewPool(Options{Trust: unrelatedCA(t)})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()
	_, err = pool.Acquire(context.Background(), Key{Backend: "b", Endpoint: srv.URL, Kind: KindHTTP})
	if errorsx.KindOf(err) != errorsx.KindConnect {
		t.Fatalf("expected ConnectError for untrusted certificate, got %v", err)
	}
}

func TestAcquireRejectsPlaintextEndpoint(t *testing.T) {
	srv := newTLSServer(t)
	pool, _ := NewPool(Options{Trust: trustFor(srv)})
	defer pool.Close()
	_, err := pool.Acquire(context.Background(), Key{Backend: "b", Endpoint: "http://example.com", Kind: KindHTTP})
	if errorsx.KindOf(err) != errorsx.KindConnect {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}

func TestAcquireAfterClose(t *testing.T) {
	srv := newTLSServer(t)
	pool, _ := NewPool(Options{Trust: trustFor(srv)})
	_ = pool.Close()
	if _, err := pool.Acquire(context.Background(), Key{Backend: "b", Endpoint: srv.URL, Kind: KindHTTP}); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
