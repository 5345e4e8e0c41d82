package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// ErrAuthRejected is wrapped by connection errors caused by a 401 or 403 answer.
var ErrAuthRejected = errors.New("authentication rejected")

// Kind classifies a failure so that callers can decide whether to continue or abort
// a run without inspecting error messages.
type Kind int

const (
	// KindUnknown is reported for nil errors and errors that carry no classification.
	KindUnknown Kind = iota
	// KindConnection means the backend is unreachable or rejected the credentials.
	KindConnection
	// KindSetup means the ingestion target could not be created.
	KindSetup
	// KindTransport means a single batch or query round-trip failed.
	KindTransport
	// KindParse means an input line could not be decoded.
	KindParse
	// KindTimeout means a call exceeded its deadline.
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindConnection: "connection",
	KindSetup:      "setup",
	KindTransport:  "transport",
	KindParse:      "parse",
	KindTimeout:    "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText reads a kind written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return errors.Errorf("unknown error kind %q", b)
}

// Fatal reports whether errors of this kind invalidate the client for the rest of the run.
func (k Kind) Fatal() bool {
	return k == KindConnection
}

// Error is the typed failure returned by every Client operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewConnectionError wraps err as a KindConnection failure of op.
func NewConnectionError(op string, err error) error { return newError(KindConnection, op, err) }

// NewSetupError wraps err as a KindSetup failure of op.
func NewSetupError(op string, err error) error { return newError(KindSetup, op, err) }

// NewTransportError wraps err as a KindTransport failure of op.
func NewTransportError(op string, err error) error { return newError(KindTransport, op, err) }

// NewParseError wraps err as a KindParse failure of op.
func NewParseError(op string, err error) error { return newError(KindParse, op, err) }

// NewTimeoutError wraps err as a KindTimeout failure of op.
func NewTimeoutError(op string, err error) error { return newError(KindTimeout, op, err) }

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}

// Classify turns a raw round-trip error into a typed error. Dial failures, refused or
// reset connections and TLS handshake problems are connection-class; deadlines become
// timeouts; everything else is a transport failure. Errors that are already typed are
// returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(op, err)
	}
	if isConnectionFailure(err) {
		return NewConnectionError(op, err)
	}
	return NewTransportError(op, err)
}

func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}

// ClassifyStatus maps an HTTP status code to a typed error. Successful codes yield nil;
// 401 and 403 are connection-class because they mean the credentials were rejected.
func ClassifyStatus(op string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return NewConnectionError(op, errors.Wrapf(ErrAuthRejected, "status %d: %s", status, truncate(body, 256)))
	case status == 408 || status == 504:
		return NewTimeoutError(op, errors.Errorf("status %d: %s", status, truncate(body, 256)))
	default:
		return NewTransportError(op, errors.Errorf("status %d: %s", status, truncate(body, 256)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
