package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("client is closed")

// ClientConfig holds configuration for outbound RPCs.
type ClientConfig struct {
	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// DialOptions are appended to the defaults, e.g. a context dialer.
	DialOptions []grpc.DialOption

	// IdleTimeout closes connections unused for this long. Zero keeps them
	// until Forget or Close.
	IdleTimeout time.Duration
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxMsgBytes: 16 * 1024 * 1024,
		IdleTimeout: 5 * time.Minute,
	}
}

type clientConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	inflight int
	retired  bool
}

// Client issues Fwd, Bwd and Gossip calls. It keeps one connection per
// endpoint and implements both dendrite.Transport and gossip.Transport.
// Connections idle for IdleTimeout are closed on a later call.
type Client struct {
	config ClientConfig

	mu        sync.Mutex
	conns     map[string]*clientConn
	lastSweep time.Time
	closed    bool
}

// NewClient creates a client. Connections are made lazily on first call.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config:    config,
		conns:     make(map[string]*clientConn),
		lastSweep: time.Now(),
	}
}

// Call sends a Fwd or Bwd request to the axon at endpoint.
func (c *Client) Call(ctx context.Context, endpoint string, dir data.Direction, msg *data.TensorMessage) (*data.TensorMessage, error) {
	conn, err := c.acquire(endpoint)
	if err != nil {
		return nil, err
	}
	defer c.release(conn)

	client := NewOpentensorClient(conn.cc)
	var reply *data.TensorMessage
	if dir == data.Backward {
		reply, err = client.Bwd(ctx, msg)
	} else {
		reply, err = client.Fwd(ctx, msg)
	}
	if err != nil {
		return nil, FromStatus(err)
	}
	return reply, nil
}

// Exchange pushes batch to the metagraph endpoint and returns its reply.
func (c *Client) Exchange(ctx context.Context, endpoint string, batch *data.SynapseBatch) (*data.SynapseBatch, error) {
	conn, err := c.acquire(endpoint)
	if err != nil {
		return nil, err
	}
	defer c.release(conn)

	reply, err := NewMetagraphClient(conn.cc).Gossip(ctx, batch)
	if err != nil {
		return nil, FromStatus(err)
	}
	return reply, nil
}

// conn returns the cached connection for endpoint, creating it if needed.
func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := c.acquire(endpoint)
	if err != nil {
		return nil, err
	}
	c.release(conn)
	return conn.cc, nil
}

// acquire returns the connection for endpoint and marks it in use until
// release.
func (c *Client) acquire(endpoint string) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, data.NewError(data.KindUnreachable, "", ErrClientClosed)
	}
	now := time.Now()
	if c.config.IdleTimeout > 0 && now.Sub(c.lastSweep) >= c.config.IdleTimeout {
		c.closeIdleLocked(now)
	}
	if conn, ok := c.conns[endpoint]; ok {
		conn.inflight++
		conn.lastUsed = now
		return conn, nil
	}
	cc, err := c.dial(endpoint)
	if err != nil {
		return nil, err
	}
	conn := &clientConn{cc: cc, lastUsed: now, inflight: 1}
	c.conns[endpoint] = conn
	return conn, nil
}

func (c *Client) release(conn *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.inflight--
	conn.lastUsed = time.Now()
	if conn.retired && conn.inflight == 0 {
		_ = conn.cc.Close()
	}
}

func (c *Client) dial(endpoint string) (*grpc.ClientConn, error) {
	target, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, data.NewError(data.KindUnreachable, "bad endpoint", err)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	if c.config.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(c.config.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(c.config.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, c.config.DialOptions...)

	cc, err := grpc.NewClient("passthrough:///"+target, dialOpts...)
	if err != nil {
		return nil, data.NewError(data.KindUnreachable, fmt.Sprintf("dial %s", endpoint), err)
	}
	return cc, nil
}

// Forget drops the connections to endpoints, closing each once its calls in
// flight finish. It returns how many were cached.
func (c *Client) Forget(endpoints ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, endpoint := range endpoints {
		conn, ok := c.conns[endpoint]
		if !ok {
			continue
		}
		delete(c.conns, endpoint)
		c.retireLocked(conn)
		dropped++
	}
	return dropped
}

// CloseIdle closes connections that have not been used for IdleTimeout and
// returns how many were closed.
func (c *Client) CloseIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeIdleLocked(time.Now())
}

func (c *Client) closeIdleLocked(now time.Time) int {
	c.lastSweep = now
	if c.config.IdleTimeout <= 0 {
		return 0
	}
	closed := 0
	for endpoint, conn := range c.conns {
		if conn.inflight == 0 && now.Sub(conn.lastUsed) >= c.config.IdleTimeout {
			delete(c.conns, endpoint)
			c.retireLocked(conn)
			closed++
		}
	}
	return closed
}

func (c *Client) retireLocked(conn *clientConn) {
	conn.retired = true
	if conn.inflight == 0 {
		_ = conn.cc.Close()
	}
}

// Connections returns the number of cached connections.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var errs []error
	for endpoint, conn := range c.conns {
		conn.retired = true
		if err := conn.cc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, endpoint)
	}
	return errors.Join(errs...)
}
