package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// forward relays a plain HTTP request to the upstream proxy. The auth header
// is injected into the buffered chunk when absent; everything after that is a
// byte pass-through until the upstream closes its side.
func (s *Server) forward(client net.Conn, req []byte) {
	up, err := s.dialUpstream()
	if err != nil {
		s.logf("forward: %v", err)
		_, _ = io.WriteString(client, badGateway)
		return
	}
	defer up.Close()

	// Shutdown closes the upstream socket as well; the response copy below
	// must never outlive the server.
	unregister := context.AfterFunc(s.ctx, func() { _ = up.Close() })
	defer unregister()

	if _, err := up.Write(injectProxyAuth(req, s.auth)); err != nil {
		s.logf("forward write: %v", err)
		return
	}

	// The upstream gets DialTimeout of inactivity between response chunks
	// before the connection is torn down, so a silent upstream cannot pin
	// the handler.
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)
	for {
		if t := s.cfg.DialTimeout; t > 0 {
			_ = up.SetReadDeadline(time.Now().Add(t))
		}
		n, err := up.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				s.logf("forward copy: %v", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logf("forward copy: %v", err)
			}
			return
		}
	}
}

// injectProxyAuth inserts a Proxy-Authorization header directly after the
// request line, unless the chunk's header block already carries one. Only
// this initial chunk is ever inspected; later request bytes are passed
// through untouched.
func injectProxyAuth(req []byte, auth string) []byte {
	if auth == "" || hasProxyAuth(req) {
		return req
	}

	i := bytes.Index(req, []byte("\r\n"))
	if i < 0 {
		return req
	}

	header := "Proxy-Authorization: " + auth + "\r\n"
	out := make([]byte, 0, len(req)+len(header))
	out = append(out, req[:i+2]...)
	out = append(out, header...)
	out = append(out, req[i+2:]...)
	return out
}

func hasProxyAuth(req []byte) bool {
	head := req
	if i := bytes.Index(req, []byte("\r\n\r\n")); i >= 0 {
		head = req[:i]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("proxy-authorization:"))
}
