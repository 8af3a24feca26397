package testutil

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// UpstreamProxy is a scripted stand-in for an authenticated upstream proxy.
// Each connection's header block is recorded and answered with Reply; when
// Reply acknowledges a CONNECT with a 200, the connection switches to echoing
// raw bytes so tunnel relay can be verified end to end.
type UpstreamProxy struct {
	t  *testing.T
	ln net.Listener
	wg sync.WaitGroup

	Reply string

	mu       sync.Mutex
	accepts  int
	requests []string
}

// StartUpstreamProxy starts an UpstreamProxy on an ephemeral loopback port.
// It is shut down via t.Cleanup.
func StartUpstreamProxy(t *testing.T, reply string) *UpstreamProxy {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	p := &UpstreamProxy{t: t, ln: ln, Reply: reply}
	p.wg.Add(1)
	go p.acceptLoop()
	t.Cleanup(p.Close)

	return p
}

// Addr returns the proxy's host:port.
func (p *UpstreamProxy) Addr() string {
	return p.ln.Addr().String()
}

// Close stops accepting and waits for in-flight connection handlers.
func (p *UpstreamProxy) Close() {
	_ = p.ln.Close()
	p.wg.Wait()
}

// Accepts returns how many connections have been accepted.
func (p *UpstreamProxy) Accepts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepts
}

// Requests returns a copy of the recorded header blocks, one per connection,
// in arrival order.
func (p *UpstreamProxy) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *UpstreamProxy) acceptLoop() {
	defer p.wg.Done()

	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.accepts++
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer c.Close()
			p.handle(c)
		}()
	}
}

func (p *UpstreamProxy) handle(c net.Conn) {
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	br := bufio.NewReader(c)
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, head.String())
	p.mu.Unlock()

	if _, err := io.WriteString(c, p.Reply); err != nil {
		return
	}

	if strings.HasPrefix(head.String(), "CONNECT ") && strings.Contains(p.Reply, "200") {
		// Tunnel established: echo whatever arrives.
		buf := make([]byte, 64*1024)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				if _, werr := c.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
}
