package proxy

// Package proxy implements the local authenticating forward proxy.
//
// It contains the keepalive listener, the per-connection request classifier,
// CONNECT tunnel establishment against the upstream proxy, the bidirectional
// byte relay, and plain HTTP request forwarding with Proxy-Authorization
// injection.
