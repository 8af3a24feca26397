package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// firstChunkSize bounds the initial read used to classify a request.
const firstChunkSize = 8 * 1024

const badGateway = "HTTP/1.1 502 Bad Gateway\r\n\r\n"

// Server is the local authenticating forward proxy. It classifies each
// accepted connection by its request line and either establishes a CONNECT
// tunnel through the upstream proxy or forwards a plain HTTP request, in both
// cases injecting Proxy-Authorization when credentials are configured.
type Server struct {
	ctx  context.Context
	cfg  Config
	auth string // precomputed Proxy-Authorization value, empty without credentials
	wg   sync.WaitGroup
}

// NewServer constructs a proxy server with the given config. The context
// bounds the lifetime of every connection the server handles.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg, auth: cfg.Upstream.BasicAuth()}
}

// Serve accepts connections on ln, dispatching each to its own goroutine,
// until ln is closed. It returns nil on listener close and waits for
// in-flight handlers before returning.
func (s *Server) Serve(ln net.Listener) error {
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// handleConn owns the client connection for its entire lifetime and closes
// it on every exit path. It reads one initial chunk, classifies the request
// line, and hands off to the CONNECT or plain-forwarding path.
func (s *Server) handleConn(c net.Conn) {
	defer c.Close()

	// Shutdown closes the client socket; that unblocks any pending I/O.
	unregister := context.AfterFunc(s.ctx, func() { _ = c.Close() })
	defer unregister()

	if t := s.cfg.NegotiationTimeout; t > 0 {
		_ = c.SetReadDeadline(time.Now().Add(t))
	}

	buf := make([]byte, firstChunkSize)
	n, err := c.Read(buf)
	if err != nil || n == 0 {
		// Client went away before sending anything. Not an error.
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	method, target, ok := parseRequestLine(buf[:n])
	if !ok {
		// Permissive toward noisy clients: malformed first lines are
		// dropped without a response and nothing is dialed upstream.
		return
	}

	if strings.EqualFold(method, http.MethodConnect) {
		s.handleConnect(c, target)
		return
	}
	s.forward(c, buf[:n])
}

// parseRequestLine extracts the method and target from the first line of the
// initial chunk. Only two tokens are required; the rest of the header block
// is never validated here.
func parseRequestLine(b []byte) (method, target string, ok bool) {
	line := b
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		line = b[:i]
	}

	f := strings.Fields(string(line))
	if len(f) < 2 {
		return "", "", false
	}
	return f[0], f[1], true
}

// dialUpstream opens the per-connection TCP connection to the upstream proxy.
func (s *Server) dialUpstream() (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}

	conn, err := d.DialContext(s.ctx, "tcp", s.cfg.Upstream.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", s.cfg.Upstream.Addr(), err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(s.cfg.KeepAlive)
	}

	return conn, nil
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Verbose {
		log.Printf(format, args...)
	}
}
