package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a unique id is not in the registry.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnsupportedCommand is returned when a command does not apply to the
	// device kind, including every control command on a read-only kind.
	ErrUnsupportedCommand = errors.New("device: unsupported command")

	// ErrInvalidParameter is returned when a command parameter is missing or
	// out of range.
	ErrInvalidParameter = errors.New("device: invalid parameter")

	// ErrAlarmPINRequired is returned when an alarm command has no PIN.
	ErrAlarmPINRequired = errors.New("device: alarm pin required")

	// ErrUnknownZone is returned when an alarm arm mode has no configured zones.
	ErrUnknownZone = errors.New("device: unknown alarm zone")

	// ErrInvalidSnapshot is returned when a stored snapshot cannot be decoded.
	ErrInvalidSnapshot = errors.New("device: invalid snapshot")
)
