package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/bradabrams/proxyauth/internal/testutil"
	"github.com/bradabrams/proxyauth/internal/upstream"
)

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testUpstream builds an upstream descriptor pointing at addr.
func testUpstream(t *testing.T, addr, user, pass string) upstream.Proxy {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	return upstream.Proxy{Host: host, Port: port, Username: user, Password: pass}
}

// startTestProxy serves a proxy on an ephemeral loopback port and returns its
// address. Shutdown happens via t.Cleanup and waits for in-flight handlers.
func startTestProxy(t *testing.T, up upstream.Proxy) string {
	t.Helper()

	return startTestProxyConfig(t, Config{
		Upstream:           up,
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		DrainTimeout:       2 * time.Second,
	})
}

func startTestProxyConfig(t *testing.T, cfg Config) string {
	t.Helper()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ln)
	}()

	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		<-done
	})

	return ln.Addr().String()
}

func TestMalformedRequestLineDropped(t *testing.T) {
	up := testutil.StartUpstreamProxy(t, connectionEstablished)
	addr := startTestProxy(t, testUpstream(t, up.Addr(), "alice", "secret"))

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := io.WriteString(c, "HELLO\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected silent close, got %q", string(got))
	}
	if n := up.Accepts(); n != 0 {
		t.Fatalf("expected nothing dialed upstream, got %d connections", n)
	}
}

func TestEmptyClientIgnored(t *testing.T) {
	up := testutil.StartUpstreamProxy(t, connectionEstablished)
	addr := startTestProxy(t, testUpstream(t, up.Addr(), "alice", "secret"))

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	// The listener must be unaffected: a normal tunnel still works.
	c2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if _, err := io.WriteString(c2, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(connectionEstablished))
	if _, err := io.ReadFull(c2, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != connectionEstablished {
		t.Fatalf("expected %q got %q", connectionEstablished, string(buf))
	}
}

func TestConcurrentTunnelsAreIsolated(t *testing.T) {
	up := testutil.StartUpstreamProxy(t, connectionEstablished)
	addr := startTestProxy(t, testUpstream(t, up.Addr(), "alice", "secret"))

	const sessions = 1000

	// Each session holds four sockets; the in-flight limit keeps the total
	// under default file descriptor limits.
	var g errgroup.Group
	g.SetLimit(128)
	for i := range sessions {
		g.Go(func() error {
			return runTunnelSession(addr, i)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func runTunnelSession(addr string, id int) error {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintf(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		return err
	}
	buf := make([]byte, len(connectionEstablished))
	if _, err := io.ReadFull(c, buf); err != nil {
		return err
	}
	if string(buf) != connectionEstablished {
		return fmt.Errorf("session %d: unexpected ack %q", id, string(buf))
	}

	// Payloads are unique per session, so any cross-session byte leakage
	// shows up as a mismatch.
	msg := fmt.Sprintf("session-%03d-ping", id)
	if _, err := io.WriteString(c, msg); err != nil {
		return err
	}
	echo := make([]byte, len(msg))
	if _, err := io.ReadFull(c, echo); err != nil {
		return err
	}
	if string(echo) != msg {
		return fmt.Errorf("session %d: sent %q got %q", id, msg, string(echo))
	}
	return nil
}

func TestParseRequestLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		method string
		target string
		ok     bool
	}{
		{name: "connect", in: "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n", method: "CONNECT", target: "example.com:443", ok: true},
		{name: "get", in: "GET http://example.com/ HTTP/1.1\r\n\r\n", method: "GET", target: "http://example.com/", ok: true},
		{name: "no version token", in: "GET /path\r\n", method: "GET", target: "/path", ok: true},
		{name: "single token", in: "HELLO\r\n", ok: false},
		{name: "blank line", in: "\r\n", ok: false},
		{name: "empty", in: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, target, ok := parseRequestLine([]byte(tt.in))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if method != tt.method || target != tt.target {
				t.Fatalf("got %q %q, want %q %q", method, target, tt.method, tt.target)
			}
		})
	}
}
