package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

var (
	ErrNotConnected       = errors.New("printer not connected")
	ErrPairingCancelled   = errors.New("pairing cancelled")
	ErrSelectionCancelled = errors.New("printer selection cancelled")
	ErrAlreadyInitialized = errors.New("backend already initialized")
	ErrStaleBinding       = errors.New("command bound to a disposed client")
	ErrUnknownCommand     = errors.New("unknown command")
)

// DiscoveryError reports a failed scan. It is never fatal to a connect.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return fmt.Sprintf("discovery: %v", e.Err) }
func (e *DiscoveryError) Unwrap() error { return e.Err }

// ConnectionInitError reports a failed adapter construction or initialization.
type ConnectionInitError struct {
	Stage  string // "dial", "initialize", "info", "save"
	IP     string
	Serial string
	Err    error
}

func (e *ConnectionInitError) Error() string {
	s := fmt.Sprintf("connect %s", e.IP)
	if e.Serial != "" {
		s += fmt.Sprintf(" (serial %s)", e.Serial)
	}
	return fmt.Sprintf("%s: %s: %v", s, e.Stage, e.Err)
}

func (e *ConnectionInitError) Unwrap() error { return e.Err }

// TransportError is a socket level fault on an established session.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedOperationError reports a capability the model or protocol lacks.
type UnsupportedOperationError struct {
	Operation string
	Model     string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s is not supported on this printer", e.Operation)
	}
	return fmt.Sprintf("%s is not supported on %s", e.Operation, e.Model)
}

// ProtocolMismatchError reports model detection disagreeing with a saved
// or forced protocol.
type ProtocolMismatchError struct {
	Serial   string
	Expected Protocol
	Detected Protocol
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("printer %s: saved protocol %q but detected %q", e.Serial, e.Expected, e.Detected)
}

// Unsupported builds an UnsupportedOperationError.
func Unsupported(op, model string) error {
	return &UnsupportedOperationError{Operation: op, Model: model}
}

// IsUnsupported reports whether err is an UnsupportedOperationError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}

// IsCancelled reports whether err is a user cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrPairingCancelled) || errors.Is(err, ErrSelectionCancelled) ||
		errors.Is(err, context.Canceled)
}

var connectionFaultMarkers = []string{
	"connection reset",
	"econnreset",
	"timeout",
	"timed out",
	"etimedout",
	"socket",
	"broken pipe",
	"connection refused",
	"no such host",
	"enotfound",
	"host is unreachable",
	"network is unreachable",
	"use of closed network connection",
	"eof",
}

// IsConnectionFault reports whether err looks like a lost connection rather
// than a printer side error. Typed network errors are checked first, then
// the message text.
func IsConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range connectionFaultMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
