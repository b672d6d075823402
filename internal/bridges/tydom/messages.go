package tydom

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

// MQTT message types exchanged between the bridge and the host platform.

// Protocol identifies this bridge in acknowledgements.
const Protocol = "tydom"

// CommandMessage is sent by the host to control a device.
// Topic: {prefix}/command/{unique_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the device unique id, or the gateway MAC for gateway
	// commands (refresh, activate_scenario).
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "open", "set_position", "arm").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"position": 75} for set_position
	//   {"mode": "night"} for arm
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api").
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was written to the gateway.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the write did not complete in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{unique_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Path is the gateway resource the command wrote, when one was built.
	Path string `json:"path,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeGatewayError      = "GATEWAY_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the full attribute bag of a device.
// Topic: {prefix}/state/{unique_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	UniqueID  string         `json:"unique_id"`
	Name      string         `json:"name,omitempty"`
	Kind      device.Kind    `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
}

// Entity describes one externally visible entity of a device.
type Entity struct {
	// Key is the attribute the entity reports, or the kind's primary
	// component name for the primary entity.
	Key string `json:"key"`

	// Component is the host platform entity type (cover, light, sensor...).
	Component string `json:"component"`

	// Attributes lists the device attributes a primary entity covers.
	Attributes []string `json:"attributes,omitempty"`

	ReadOnly bool `json:"read_only"`
}

// DiscoveryMessage announces a device and its entities. It is republished
// whenever the device reports attributes it had not reported before.
// Topic: {prefix}/discovery/{unique_id}
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	UniqueID   string      `json:"unique_id"`
	DeviceID   string      `json:"device_id"`
	EndpointID string      `json:"endpoint_id"`
	Name       string      `json:"name,omitempty"`
	Kind       device.Kind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`

	// Primary is the kind's main entity; nil for kinds that have none.
	Primary *Entity `json:"primary,omitempty"`

	// Entities holds one entity per attribute not covered by Primary and
	// not excluded by the attribute filter.
	Entities []Entity `json:"entities"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the gateway session has stopped for good.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	Connection *ConnectionStatus `json:"connection,omitempty"`
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	DevicesManaged int `json:"devices_managed"`

	// Gateway is the identity and firmware record from /info, once seen.
	Gateway *GatewayInfo `json:"gateway,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the gateway session.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	Host         string     `json:"host,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains session counters.
type BridgeStatistics struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesSent     uint64 `json:"frames_sent"`
	Errors         uint64 `json:"errors"`
	Reconnects     uint64 `json:"reconnects"`
}

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, path string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Path:      path,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Error:     &AckError{Code: code, Message: message},
	}
}

// NewStateMessage creates a state message from a device snapshot.
func NewStateMessage(s device.Snapshot) StateMessage {
	return StateMessage{
		UniqueID:  s.UniqueID,
		Name:      s.Name,
		Kind:      s.Kind,
		Timestamp: s.UpdatedAt.UTC(),
		State:     s.Attributes,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats SessionStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
	}

	msg.Connection = &ConnectionStatus{Status: stats.State.String()}
	if !stats.LastActivity.IsZero() && stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &last
	}

	msg.Statistics = &BridgeStatistics{
		FramesReceived: stats.FramesReceived,
		FramesSent:     stats.FramesSent,
		Errors:         stats.Errors,
		Reconnects:     stats.Reconnects,
	}

	return msg
}
