package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ackChunkSize bounds the read of the upstream's CONNECT acknowledgement.
const ackChunkSize = 4 * 1024

// handleConnect establishes a tunnel to target through the upstream proxy and
// relays raw bytes until either side closes. There are no retries: a dial or
// handshake failure ends the connection with a 502 to the client.
func (s *Server) handleConnect(client net.Conn, target string) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	up, err := s.dialUpstream()
	if err != nil {
		s.logf("connect %s: %v", target, err)
		_, _ = io.WriteString(client, badGateway)
		return
	}

	ack, err := s.connectUpstream(up, target)
	if err != nil {
		s.logf("connect %s: %v", target, err)
		_ = up.Close()
		// Pass the upstream's own diagnostic along behind the 502 so the
		// client can see why the tunnel was refused.
		_, _ = io.WriteString(client, badGateway)
		if len(ack) > 0 {
			_, _ = client.Write(ack)
		}
		return
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = up.Close()
		return
	}

	if err := CopyBidirectional(s.ctx, client, up, s.cfg.DrainTimeout); err != nil {
		// Peer resets and broken pipes are normal tunnel teardown.
		s.logf("tunnel %s: %v", target, err)
	}
}

// connectUpstream sends the CONNECT request, with Proxy-Authorization when
// credentials are configured, and reads the upstream's acknowledgement in a
// single bounded chunk. The raw acknowledgement bytes are returned even on
// rejection so the caller can forward them to the client.
func (s *Server) connectUpstream(up net.Conn, target string) ([]byte, error) {
	if t := s.cfg.NegotiationTimeout; t > 0 {
		_ = up.SetDeadline(time.Now().Add(t))
		defer func() { _ = up.SetDeadline(time.Time{}) }()
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if s.auth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", s.auth)
	}
	req.WriteString("\r\n")

	if _, err := up.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("connect write: %w", err)
	}

	buf := make([]byte, ackChunkSize)
	n, err := up.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("connect read: %w", err)
	}
	ack := buf[:n]

	line := ack
	if i := bytes.IndexByte(ack, '\n'); i >= 0 {
		line = ack[:i]
	}
	if !bytes.Contains(line, []byte("200")) {
		return ack, fmt.Errorf("upstream refused tunnel: %s", strings.TrimSpace(string(line)))
	}

	return ack, nil
}
