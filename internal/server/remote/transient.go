package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// isTransient reports whether an error matches the defined set of
// transient-network signatures: timeouts, connection resets/refusals and
// DNS or connect failures. Everything else propagates immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// some SDK transports flatten the cause into the message
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no such host")
}
