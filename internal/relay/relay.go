// Package relay implements the raw TCP relay mode: every accepted connection
// is paired with a fresh connection to the remote and bytes are copied both
// ways without interpretation.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"markup-proxy-go/internal/config"
	"markup-proxy-go/internal/metrics"
)

// Server accepts TCP connections and relays them to a fixed remote address.
type Server struct {
	listen      string
	remote      string
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu sync.Mutex
	ln net.Listener

	// ctx is the parent of every connection; cancel force-closes them.
	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewServer creates a relay Server from the [relay] config section.
// The metrics parameter is optional.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listen:      cfg.Relay.Listen,
		remote:      cfg.Relay.Remote,
		dialTimeout: cfg.Relay.DialTimeout(),
		logger:      logger.With("component", "relay"),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("relay: bind %s: %w", s.listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown is called. It returns nil after
// a shutdown and the accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("relay: Serve called before Listen")
	}

	s.logger.Info("relay accepting", "addr", ln.Addr().String(), "remote", s.remote)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("relay accept error, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Shutdown stops accepting and waits for open relays to finish. When ctx
// expires first the remaining connections are closed and ctx.Err returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) handle(client net.Conn) {
	defer func() { _ = client.Close() }()

	if s.metrics != nil {
		s.metrics.RelayConnections.Inc()
		defer s.metrics.RelayConnections.Dec()
	}

	peer := client.RemoteAddr().String()
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	upstream, err := dialer.DialContext(s.ctx, "tcp", s.remote)
	if err != nil {
		s.logger.Warn("relay dial failed", "client", peer, "remote", s.remote, "err", err)
		return
	}
	defer func() { _ = upstream.Close() }()

	s.logger.Debug("relay opened", "client", peer, "remote", s.remote)
	start := time.Now()

	up, down := s.pipe(client, upstream)

	s.logger.Debug("relay closed",
		"client", peer,
		"bytes_up", up,
		"bytes_down", down,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pipe copies in both directions until both sides are done. EOF on one side
// is forwarded as a half-close; an error on either side tears down both.
func (s *Server) pipe(client, upstream net.Conn) (up, down int64) {
	stop := context.AfterFunc(s.ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = s.copyHalf(upstream, client, "upstream")
	}()
	go func() {
		defer wg.Done()
		down = s.copyHalf(client, upstream, "downstream")
	}()
	wg.Wait()
	return up, down
}

type closeWriter interface {
	CloseWrite() error
}

func (s *Server) copyHalf(dst, src net.Conn, direction string) int64 {
	n, err := io.Copy(dst, src)
	if s.metrics != nil {
		s.metrics.RelayBytes.WithLabelValues(direction).Add(float64(n))
	}

	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("relay copy error", "direction", direction, "err", err)
		}
		_ = src.Close()
		_ = dst.Close()
		return n
	}
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return n
}
