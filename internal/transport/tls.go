package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/okabe/claude-relay/internal/proxyagent"
	utls "github.com/refraction-networking/utls"
)

// dialTLS establishes the TLS layer for an HTTP/2 session: direct TCP or
// a proxy-tunneled connection, then a utls handshake with ALPN h2 and
// SNI set to the destination host.
func dialTLS(ctx context.Context, addr string, agent *proxyagent.Agent) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(addr, "443")
	}

	var rawConn net.Conn
	if agent != nil {
		rawConn, err = agent.DialContext(ctx, addr)
	} else {
		dialer := &net.Dialer{KeepAlive: 30 * time.Second}
		rawConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	return handshake(ctx, rawConn, host)
}

// handshake wraps a raw connection with a Chrome-fingerprint TLS session.
func handshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}

	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		tlsConn.Close()
		return nil, fmt.Errorf("alpn negotiated %q, want h2", proto)
	}

	return tlsConn, nil
}
