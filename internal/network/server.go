package network

import (
	"context"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"prenet/internal/debuglog"
	"prenet/internal/proto"
)

// Handler answers one framed request. A nil response with nil error means
// the request was consumed without a reply.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type Server struct {
	tlsID   *NodeTLS
	handler Handler
	limiter *hostLimiter

	mu       sync.Mutex
	listener *quic.Listener
}

func NewServer(tlsID *NodeTLS, handler Handler) *Server {
	return &Server{
		tlsID:   tlsID,
		handler: handler,
		limiter: newHostLimiter(defaultMaxConnsPerHost, defaultMaxStreamsPerHost, defaultStreamRate, defaultStreamBurst),
	}
}

// Addr reports the bound listen address, nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe accepts connections until ctx is cancelled. ready, if
// non-nil, is closed once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- struct{}) error {
	listener, err := quic.ListenAddr(addr, s.tlsID.ServerConfig(), &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	debuglog.Debugf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		close(ready)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		host := hostOf(conn.RemoteAddr())
		if !s.limiter.admitConn(host) {
			_ = conn.CloseWithError(1, "busy")
			continue
		}
		go s.serveConn(ctx, conn, host)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, host string) {
	defer s.limiter.releaseConn(host)
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.admitStream(host) {
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(host)
			defer st.Close()
			payload, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.TypeCap)
			if err != nil {
				debuglog.RateLimitedf("read from %s: %v", host, err)
				return
			}
			resp, err := s.handler(ctx, payload)
			if err != nil {
				debuglog.RateLimitedf("handle from %s: %v", host, err)
				return
			}
			if len(resp) == 0 {
				return
			}
			if err := proto.WriteFrame(st, resp); err != nil {
				debuglog.RateLimitedf("respond to %s: %v", host, err)
			}
		}(stream)
	}
}

// SetLimits overrides the per-host admission caps. Zero disables a cap.
func (s *Server) SetLimits(maxConns, maxStreams int, streamRate rate.Limit, burst int) {
	s.limiter = newHostLimiter(maxConns, maxStreams, streamRate, burst)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
