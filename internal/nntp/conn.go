package nntp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/datallboy/nzbstream/internal/infra/config"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateAuthenticating
	StateReady
	StateBusy
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Transport is what the pool needs from one server connection.
type Transport interface {
	Connect(ctx context.Context) error
	Body(ctx context.Context, id string) ([]byte, error)
	Ping(ctx context.Context) error
	Ready() bool
	IdleFor() time.Duration
	Close() error
}

// Conn is a single NNTP connection. It is not safe for concurrent use; the
// pool hands it to one caller at a time.
type Conn struct {
	server         config.ServerConfig
	dialer         Dialer
	connectTimeout time.Duration
	fetchTimeout   time.Duration

	raw      net.Conn
	tp       *textproto.Conn
	state    ConnState
	lastUsed time.Time
}

func NewConn(s config.ServerConfig, d Dialer, connectTimeout, fetchTimeout time.Duration) *Conn {
	return &Conn{
		server:         s,
		dialer:         d,
		connectTimeout: connectTimeout,
		fetchTimeout:   fetchTimeout,
	}
}

func (c *Conn) State() ConnState { return c.state }

func (c *Conn) Ready() bool { return c.state == StateReady }

func (c *Conn) IdleFor() time.Duration {
	if c.lastUsed.IsZero() {
		return 0
	}
	return time.Since(c.lastUsed)
}

// Connect dials, reads the greeting and authenticates. It is a no-op on a
// ready connection.
func (c *Conn) Connect(ctx context.Context) error {
	if c.state == StateReady {
		return nil
	}
	c.drop()

	c.state = StateHandshaking
	dctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	raw, err := c.dialer.DialContext(dctx, c.server.Addr())
	if err != nil {
		c.state = StateDisconnected
		return fmt.Errorf("dial %s: %w", c.server.Addr(), classify(err))
	}
	c.raw = raw
	c.tp = textproto.NewConn(raw)

	if d, ok := dctx.Deadline(); ok {
		_ = raw.SetDeadline(d)
	}

	// Usenet servers greet with 200 or 201 (posting not allowed, fine for reading)
	if _, _, err := c.tp.ReadCodeLine(20); err != nil {
		c.drop()
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return fmt.Errorf("%w: greeting: %v", ErrDisconnected, err)
		}
		return fmt.Errorf("greeting: %w", classify(err))
	}

	c.state = StateAuthenticating
	if err := c.authenticate(); err != nil {
		c.drop()
		return err
	}

	_ = raw.SetDeadline(time.Time{})
	c.state = StateReady
	c.lastUsed = time.Now()
	return nil
}

func (c *Conn) authenticate() error {
	if c.server.Username == "" {
		return nil
	}

	// AUTHINFO USER
	if _, err := c.tp.Cmd("AUTHINFO USER %s", c.server.Username); err != nil {
		return classify(err)
	}

	code, msg, err := c.tp.ReadCodeLine(381) // 381: Password required
	if err != nil {
		if code == 281 {
			return nil // some servers accept on USER alone
		}
		return authError(code, msg, err)
	}

	// AUTHINFO PASS
	if _, err := c.tp.Cmd("AUTHINFO PASS %s", c.server.Password); err != nil {
		return classify(err)
	}

	code, msg, err = c.tp.ReadCodeLine(281) // 281: Authentication accepted
	if err != nil {
		return authError(code, msg, err)
	}
	return nil
}

func authError(code int, msg string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return fmt.Errorf("%w: %d %s", ErrAuthFailed, code, msg)
	}
	return classify(err)
}

// Body fetches the article body, undoing dot-stuffing. A 430 leaves the
// connection ready; any I/O failure drops it.
func (c *Conn) Body(ctx context.Context, id string) ([]byte, error) {
	if c.state != StateReady {
		return nil, fmt.Errorf("%w: connection is %s", ErrDisconnected, c.state)
	}
	c.state = StateBusy

	deadline := time.Now().Add(c.fetchTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.raw.SetDeadline(deadline)

	// Unblock the read if the caller goes away
	raw := c.raw
	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() && c.state == StateReady {
			// the hook fired after the exchange finished, the deadline is poisoned
			c.drop()
		}
	}()

	if _, err := c.tp.Cmd("BODY %s", formatID(id)); err != nil {
		return nil, c.fail(ctx, err)
	}

	// Expecting 222 Body follows
	code, msg, err := c.tp.ReadCodeLine(222)
	if err != nil {
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) {
			return nil, c.fail(ctx, err)
		}
		c.idle()
		switch code {
		case 430:
			return nil, ErrArticleNotFound
		case 480:
			return nil, fmt.Errorf("%w: %d %s", ErrAuthFailed, code, msg)
		}
		return nil, fmt.Errorf("BODY %s: %w", id, err)
	}

	// DotReader handles the NNTP "dot-stuffing" (terminating the stream with .\r\n)
	data, err := io.ReadAll(c.tp.DotReader())
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	c.idle()
	return data, nil
}

// Ping is the liveness check used for connections that sat idle.
func (c *Conn) Ping(ctx context.Context) error {
	if c.state != StateReady {
		return fmt.Errorf("%w: connection is %s", ErrDisconnected, c.state)
	}
	c.state = StateBusy

	_ = c.raw.SetDeadline(time.Now().Add(c.connectTimeout))
	if _, err := c.tp.Cmd("DATE"); err != nil {
		return c.fail(ctx, err)
	}
	if _, _, err := c.tp.ReadCodeLine(111); err != nil {
		return c.fail(ctx, err)
	}
	c.idle()
	return nil
}

func (c *Conn) Close() error {
	if c.tp != nil && c.state == StateReady {
		// Send the NNTP QUIT command so the server can release
		// the connection slot immediately.
		_ = c.raw.SetDeadline(time.Now().Add(time.Second))
		_, _ = c.tp.Cmd("QUIT")
	}
	c.drop()
	c.state = StateClosed
	return nil
}

func (c *Conn) idle() {
	_ = c.raw.SetDeadline(time.Time{})
	c.state = StateReady
	c.lastUsed = time.Now()
}

// fail drops the connection after an I/O error. The stream position is
// unknown afterwards, so it can't be reused.
func (c *Conn) fail(ctx context.Context, err error) error {
	c.drop()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return classify(err)
}

func (c *Conn) drop() {
	if c.tp != nil {
		_ = c.tp.Close()
	}
	c.tp = nil
	c.raw = nil
	c.state = StateDisconnected
}

func formatID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
