package transport

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
)

// Channel is one physical connection (or bounded pool) to a provider
// endpoint, shared by every session for the same key.
type Channel struct {
	key       Key
	tlsConfig *tls.Config

	conn       *grpc.ClientConn
	transport  *http.Transport
	httpClient *http.Client

	// guarded by Pool.mu
	refs int
	idle *time.Timer

	closeOnce sync.Once
	closeErr  error
}

func (c *Channel) Key() Key         { return c.key }
func (c *Channel) Endpoint() string { return c.key.Endpoint }

// GRPC returns the client connection for KindGRPC channels.
func (c *Channel) GRPC() *grpc.ClientConn { return c.conn }

// HTTP returns the shared client for KindHTTP channels.
func (c *Channel) HTTP() *http.Client { return c.httpClient }

func (c *Channel) close() error {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
		if c.transport != nil {
			c.transport.CloseIdleConnections()
		}
	})
	return c.closeErr
}
