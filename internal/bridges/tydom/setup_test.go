package tydom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestValidateSetup(t *testing.T) {
	tests := []struct {
		name    string
		params  SetupParams
		wantErr error
	}{
		{
			name:   "ip and password",
			params: SetupParams{Host: "192.168.1.20", MAC: "00:1A:25:12:34:56", Password: "pw"},
		},
		{
			name:   "hostname with port",
			params: SetupParams{Host: "tydom.local:443", MAC: "001a25123456", Password: "pw"},
		},
		{
			name:   "cloud account",
			params: SetupParams{Host: MediationHost, MAC: "001A25123456", Email: "a@example.com", CloudPassword: "c"},
		},
		{
			name:    "empty host",
			params:  SetupParams{MAC: "001A25123456", Password: "pw"},
			wantErr: ErrInvalidHost,
		},
		{
			name:    "bad host",
			params:  SetupParams{Host: "not a host!", MAC: "001A25123456", Password: "pw"},
			wantErr: ErrInvalidHost,
		},
		{
			name:    "short mac",
			params:  SetupParams{Host: "10.0.0.1", MAC: "001A25", Password: "pw"},
			wantErr: ErrInvalidMAC,
		},
		{
			name:    "non hex mac",
			params:  SetupParams{Host: "10.0.0.1", MAC: "001A25ZZZZZZ", Password: "pw"},
			wantErr: ErrInvalidMAC,
		},
		{
			name:    "no credentials",
			params:  SetupParams{Host: "10.0.0.1", MAC: "001A25123456"},
			wantErr: ErrInvalidPassword,
		},
		{
			name:    "bad email",
			params:  SetupParams{Host: "10.0.0.1", MAC: "001A25123456", Email: "nope", CloudPassword: "c"},
			wantErr: ErrInvalidEmail,
		},
		{
			name:    "email without cloud password",
			params:  SetupParams{Host: "10.0.0.1", MAC: "001A25123456", Email: "a@example.com"},
			wantErr: ErrInvalidPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSetup(tt.params)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSetup() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := map[string]string{
		"00:1a:25:12:34:56": "001A25123456",
		"00-1A-25-12-34-56": "001A25123456",
		"001a.2512.3456":    "001A25123456",
		"001A25123456":      "001A25123456",
	}
	for in, want := range tests {
		if got := NormalizeMAC(in); got != want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestSetupErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"host", fmt.Errorf("%w: x", ErrInvalidHost), SetupInvalidHost},
		{"mac", ErrInvalidMAC, SetupInvalidMAC},
		{"email", ErrInvalidEmail, SetupInvalidEmail},
		{"password", ErrInvalidPassword, SetupInvalidPassword},
		{"auth", fmt.Errorf("handshake: %w", ErrAuthentication), SetupAuthenticationError},
		{"communication timeout", fmt.Errorf("%w: %w", ErrCommunication, timeoutError{}), SetupCommunicationError},
		{"communication refused", fmt.Errorf("%w: connection refused", ErrCommunication), SetupCannotConnect},
		{"client", ErrClient, SetupCannotConnect},
		{"deadline", context.DeadlineExceeded, SetupCommunicationError},
		{"other", errors.New("boom"), SetupUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SetupErrorCode(tt.err); got != tt.want {
				t.Errorf("SetupErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
