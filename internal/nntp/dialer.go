package nntp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/datallboy/nzbstream/internal/infra/config"
)

// Dialer opens the raw stream to a server. There are exactly two variants,
// picked once per pool from the server config.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
	Secure() bool
}

type plainDialer struct {
	d net.Dialer
}

func (p *plainDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return p.d.DialContext(ctx, "tcp", addr)
}

func (p *plainDialer) Secure() bool { return false }

type tlsDialer struct {
	d tls.Dialer
}

// DialContext completes the TLS handshake before returning.
func (t *tlsDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return t.d.DialContext(ctx, "tcp", addr)
}

func (t *tlsDialer) Secure() bool { return true }

func NewDialer(s config.ServerConfig, timeout time.Duration) Dialer {
	nd := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	if !s.TLS {
		return &plainDialer{d: nd}
	}

	return &tlsDialer{d: tls.Dialer{
		NetDialer: &nd,
		Config: &tls.Config{
			ServerName:         s.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.InsecureSkipVerify,
		},
	}}
}
