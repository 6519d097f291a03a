package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	authPatterns = []string{
		"password authentication failed",
		"access denied",
		"authentication failed",
		"no pg_hba.conf entry",
		"invalid password",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"no route to host",
		"network is unreachable",
		"broken pipe",
		"server closed the connection",
		"bad connection",
		"invalid connection",
	}
	timeoutPatterns = []string{
		"i/o timeout",
		"timeout",
		"deadline exceeded",
	}
)

// ClassifyConnection maps a connect or ping failure onto a connection error
// code. Typed checks run first; message patterns cover wrapped driver errors.
func ClassifyConnection(err error) *Error {
	if err == nil {
		return nil
	}

	var workerErr *Error
	if errors.As(err, &workerErr) && workerErr.Category() == CategoryConnection {
		return workerErr
	}

	// A dial that never completes means no server answered; only a
	// deadline hit after that is a timeout of the connect itself.
	if IsDialFailure(err) {
		e := Wrap(err, CodeNetworkUnreachable, "database host unreachable")
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			e.WithDetail("dial_timed_out", true)
		}
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CodeConnectionTimeout, "connection attempt timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(err, CodeConnectionTimeout, "connection attempt timed out")
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return Wrap(err, CodeNetworkUnreachable, "database host unreachable")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authPatterns):
		return Wrap(err, CodeAuthenticationFailed, "authentication failed")
	case containsAny(msg, networkPatterns):
		return Wrap(err, CodeNetworkUnreachable, "database host unreachable")
	case containsAny(msg, timeoutPatterns):
		return Wrap(err, CodeConnectionTimeout, "connection attempt timed out")
	default:
		return Wrap(err, CodeNetworkUnreachable, "database connection failed")
	}
}

// IsDialFailure reports whether err comes from opening the network
// connection, before any bytes were exchanged with the server.
func IsDialFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// IsConnectionLoss reports whether a query failure means the physical
// connection is gone rather than the statement being wrong.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), networkPatterns)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
