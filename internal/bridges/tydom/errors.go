package tydom

import (
	"context"
	"errors"
	"net"
)

// Domain errors for the Tydom bridge package.
var (
	// ErrCommunication is returned for timeouts and socket or DNS failures.
	// The session recovers from it by reconnecting.
	ErrCommunication = errors.New("tydom: communication error")

	// ErrAuthentication is returned when the cloud account is rejected, the
	// gateway is not on the account, or the digest challenge fails.
	// It is never retried automatically.
	ErrAuthentication = errors.New("tydom: authentication failed")

	// ErrProtocolParse is returned when a frame or its JSON body is malformed.
	// The frame is dropped and the session continues.
	ErrProtocolParse = errors.New("tydom: protocol parse error")

	// ErrClient wraps anything unanticipated during credential exchange or
	// handshake.
	ErrClient = errors.New("tydom: client error")

	// ErrNotConnected is returned when a send is attempted without a live
	// connection.
	ErrNotConnected = errors.New("tydom: not connected to gateway")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("tydom: session closed")

	// ErrUnsupportedCommand is returned for host commands the target cannot
	// execute.
	ErrUnsupportedCommand = errors.New("tydom: unsupported command")

	// ErrInvalidHost is returned when the gateway host is empty or malformed.
	ErrInvalidHost = errors.New("tydom: invalid host")

	// ErrInvalidMAC is returned when the gateway MAC is not 12 hex digits.
	ErrInvalidMAC = errors.New("tydom: invalid mac")

	// ErrInvalidEmail is returned when the cloud account email is malformed.
	ErrInvalidEmail = errors.New("tydom: invalid email")

	// ErrInvalidPassword is returned when no usable password is configured.
	ErrInvalidPassword = errors.New("tydom: invalid password")
)

// Setup error codes reported when the bridge cannot come up.
const (
	SetupInvalidHost         = "invalid_host"
	SetupInvalidMAC          = "invalid_mac"
	SetupInvalidEmail        = "invalid_email"
	SetupInvalidPassword     = "invalid_password"
	SetupCannotConnect       = "cannot_connect"
	SetupCommunicationError  = "communication_error"
	SetupAuthenticationError = "authentication_error"
	SetupUnknown             = "unknown"
)

// SetupErrorCode maps a setup-phase error onto a user-facing code.
func SetupErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidHost):
		return SetupInvalidHost
	case errors.Is(err, ErrInvalidMAC):
		return SetupInvalidMAC
	case errors.Is(err, ErrInvalidEmail):
		return SetupInvalidEmail
	case errors.Is(err, ErrInvalidPassword):
		return SetupInvalidPassword
	case errors.Is(err, ErrAuthentication):
		return SetupAuthenticationError
	case errors.Is(err, ErrCommunication):
		if isTimeout(err) {
			return SetupCommunicationError
		}
		return SetupCannotConnect
	case errors.Is(err, ErrClient), errors.Is(err, ErrNotConnected):
		return SetupCannotConnect
	case isTimeout(err):
		return SetupCommunicationError
	default:
		return SetupUnknown
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
