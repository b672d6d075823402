package mqtt

import "fmt"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "tydom"

// Topics builds the bridge's MQTT topic names under a common prefix.
//
// Scheme:
//
//	{prefix}/state/{unique_id}      retained device state
//	{prefix}/command/{unique_id}    inbound commands
//	{prefix}/ack/{unique_id}        command acknowledgements
//	{prefix}/discovery/{unique_id}  retained entity discovery
//	{prefix}/health                 retained bridge health
//	{prefix}/status                 online/offline (LWT)
//
// Using these helpers ensures consistent topic naming across the codebase:
//
//	topics := mqtt.NewTopics("tydom")
//	topics.State("1_100") // "tydom/state/1_100"
type Topics struct {
	Prefix string
}

// NewTopics returns topic builders for prefix, falling back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// State returns the retained state topic of a device.
func (t Topics) State(uniqueID string) string {
	return fmt.Sprintf("%s/state/%s", t.Prefix, uniqueID)
}

// Command returns the command topic of a device.
func (t Topics) Command(uniqueID string) string {
	return fmt.Sprintf("%s/command/%s", t.Prefix, uniqueID)
}

// Ack returns the acknowledgement topic of a device.
func (t Topics) Ack(uniqueID string) string {
	return fmt.Sprintf("%s/ack/%s", t.Prefix, uniqueID)
}

// Discovery returns the retained discovery topic of a device.
func (t Topics) Discovery(uniqueID string) string {
	return fmt.Sprintf("%s/discovery/%s", t.Prefix, uniqueID)
}

// Health returns the bridge health topic.
func (t Topics) Health() string {
	return t.Prefix + "/health"
}

// SystemStatus returns the online/offline status topic used for the LWT.
func (t Topics) SystemStatus() string {
	return t.Prefix + "/status"
}

// AllCommands matches commands for every device.
//
// Pattern: {prefix}/command/+
func (t Topics) AllCommands() string {
	return t.Prefix + "/command/+"
}
