package upstream

import (
	"encoding/base64"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Fallback upstream used when no usable proxy URL is configured. The proxy
// still starts and forwards traffic, just without injecting credentials.
const (
	FallbackHost = "127.0.0.1"
	FallbackPort = 8080
)

// Proxy describes the upstream proxy that all traffic is forwarded through.
// It is resolved once at startup and read-only afterwards.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Resolve parses a proxy URL of the form http(s)://user:pass@host:port into a
// Proxy. Anything else (missing credentials, missing port, another scheme, or
// an unparsable value) degrades to the fallback host and port with empty
// credentials. Resolve never fails: a broken environment must not keep the
// proxy from starting.
func Resolve(raw string) Proxy {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fallback()
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fallback()
	}

	if u.User == nil || u.Hostname() == "" {
		return fallback()
	}
	pass, ok := u.User.Password()
	if u.User.Username() == "" || !ok {
		return fallback()
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return fallback()
	}

	return Proxy{
		Host:     u.Hostname(),
		Port:     port,
		Username: u.User.Username(),
		Password: pass,
	}
}

func fallback() Proxy {
	return Proxy{Host: FallbackHost, Port: FallbackPort}
}

// Addr returns the upstream host:port.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HasAuth reports whether credentials were configured.
func (p Proxy) HasAuth() bool {
	return p.Username != "" && p.Password != ""
}

// BasicAuth returns the Proxy-Authorization header value for the configured
// credentials, or "" when there are none.
func (p Proxy) BasicAuth() string {
	if !p.HasAuth() {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
}
