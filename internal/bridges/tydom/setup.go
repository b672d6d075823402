package tydom

import (
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
)

var (
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
	macPattern      = regexp.MustCompile(`^[0-9A-F]{12}$`)
)

// SetupParams are the user-supplied values checked before connecting.
type SetupParams struct {
	Host          string
	MAC           string
	Password      string
	Email         string
	CloudPassword string
}

// NormalizeMAC upper-cases a MAC and strips ':', '-' and '.' separators.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "", " ", "")
	return strings.ToUpper(r.Replace(mac))
}

// ValidateSetup checks the connection parameters. A gateway password or a
// complete cloud account is required.
func ValidateSetup(p SetupParams) error {
	host := strings.TrimSpace(p.Host)
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidHost)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
		return fmt.Errorf("%w: %q", ErrInvalidHost, p.Host)
	}

	if !macPattern.MatchString(NormalizeMAC(p.MAC)) {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, p.MAC)
	}

	if p.Password != "" {
		return nil
	}
	if p.Email == "" {
		return fmt.Errorf("%w: gateway password or cloud account required", ErrInvalidPassword)
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEmail, err)
	}
	if p.CloudPassword == "" {
		return fmt.Errorf("%w: cloud password is required", ErrInvalidPassword)
	}
	return nil
}
