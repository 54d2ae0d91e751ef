package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"prenet/internal/debuglog"
	"prenet/internal/proto"
)

const (
	clientMaxRetries     = 3
	clientBackoffBase    = 100 * time.Millisecond
	clientBackoffMax     = 1 * time.Second
	clientConnIdle       = 30 * time.Second
	clientTimeout        = 8 * time.Second
	maxIdleTimeout       = 45 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// Client issues framed request/response exchanges over pooled QUIC
// connections. Connections are keyed by address; a failed exchange drops the
// connection and backs off before redialing.
type Client struct {
	mu       sync.Mutex
	conns    map[string]*pooledConn
	failures map[string]int
}

func NewClient() *Client {
	return &Client{
		conns:    make(map[string]*pooledConn),
		failures: make(map[string]int),
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*pooledConn)
	c.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "client closed")
	}
}

func (c *Client) get(ctx context.Context, addr string, fingerprint []byte) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= clientConnIdle {
			ent.lastUsed = now
			conn := ent.conn
			c.mu.Unlock()
			return conn, nil
		}
		delete(c.conns, addr)
		stale := ent.conn
		c.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		c.mu.Unlock()
	}
	debuglog.Debugf("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfigPinned(fingerprint), &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) drop(addr string, conn *quic.Conn, reason string) {
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok && ent.conn == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (c *Client) recordFailure(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[addr]++
	return c.failures[addr]
}

func (c *Client) resetFailures(addr string) {
	c.mu.Lock()
	delete(c.failures, addr)
	c.mu.Unlock()
}

// Exchange sends one framed request and reads one framed response. Retries
// with exponential backoff on transport errors, within the context deadline.
func (c *Client) Exchange(ctx context.Context, addr string, fingerprint []byte, payload []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, err := c.get(ctx, addr, fingerprint)
		if err != nil {
			lastErr = err
			if !backoffRetry(ctx, c.recordFailure(addr)) {
				break
			}
			continue
		}
		resp, err := exchangeOnStream(ctx, conn, payload)
		if err != nil {
			lastErr = err
			c.drop(addr, conn, "exchange failed")
			if !backoffRetry(ctx, c.recordFailure(addr)) {
				break
			}
			continue
		}
		c.mu.Lock()
		if ent, ok := c.conns[addr]; ok && ent.conn == conn {
			ent.lastUsed = time.Now()
		}
		c.mu.Unlock()
		c.resetFailures(addr)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	return nil, lastErr
}

func exchangeOnStream(ctx context.Context, conn *quic.Conn, payload []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelRead(1)
		_ = stream.Close()
		return nil, err
	}
	// Close the write side so the handler sees the full request.
	if err := stream.Close(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.CancelRead(1)
		case <-done:
		}
	}()
	resp, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeCap)
	close(done)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
