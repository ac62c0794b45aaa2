package nntp

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrArticleNotFound is a 430 from the server. The connection stays usable.
	ErrArticleNotFound = errors.New("article not found (430)")

	ErrTimeout      = errors.New("transport timeout")
	ErrDisconnected = errors.New("connection lost")

	// ErrAuthFailed is never retried; it degrades the provider's pool.
	ErrAuthFailed = errors.New("authentication rejected")

	ErrConnectionExhausted = errors.New("no connection available before checkout timeout")
	ErrPoolDegraded        = errors.New("provider degraded")
	ErrPoolClosed          = errors.New("pool closed")
	ErrNoProviders         = errors.New("no usable providers")
)

// retryable reports whether another attempt, likely on another connection,
// may succeed.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrConnectionExhausted)
}

// classify maps a raw I/O error onto the transport error taxonomy.
func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
