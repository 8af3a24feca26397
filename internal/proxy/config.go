package proxy

import (
	"net"
	"time"

	"github.com/bradabrams/proxyauth/internal/upstream"
)

type Config struct {
	// Upstream is the proxy all traffic is forwarded through.
	Upstream upstream.Proxy

	// DialTimeout bounds the TCP connect to the upstream proxy and, on the
	// plain-forwarding path, the inactivity allowed between response chunks.
	DialTimeout time.Duration

	// NegotiationTimeout bounds reading the client's first chunk and the
	// upstream's CONNECT acknowledgement.
	NegotiationTimeout time.Duration

	// DrainTimeout is how long the second tunnel direction may keep
	// flushing after the first one finishes.
	DrainTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Verbose enables per-connection error logging.
	Verbose bool
}
