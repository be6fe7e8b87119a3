package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Connection error codes shared with the relay's SSE error mapping.
const (
	CodeConnReset   = "ECONNRESET"
	CodeDNSFailure  = "ENOTFOUND"
	CodeConnRefused = "ECONNREFUSED"
	CodeTimeout     = "ETIMEDOUT"
)

// ClassifyError maps a low-level transport error to a stable code and a
// message fit for clients. Unrecognized errors return ("", "").
func ClassifyError(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFailure, "Unable to resolve hostname"
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnReset, "Connection reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused, "Connection refused"
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		isNetTimeout(err):
		return CodeTimeout, "Connection timed out"
	}

	return "", ""
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionError reports whether the session's underlying connection is
// suspect and the pooled entry should be evicted. Plain request timeouts on
// a live session keep the session.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code, _ := ClassifyError(err)
	if code == CodeTimeout {
		return false
	}
	if code != "" {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
