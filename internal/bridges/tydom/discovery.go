package tydom

import (
	"slices"
	"time"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

// primaryEntity is the main entity of a kind and the attributes it covers.
type primaryEntity struct {
	component  string
	attributes []string
}

var primaryEntities = map[device.Kind]primaryEntity{
	device.KindShutter: {"cover", []string{"position", "positionCmd"}},
	device.KindGate:    {"cover", []string{"level", "levelCmd"}},
	device.KindGarage:  {"cover", []string{"level", "levelCmd"}},
	device.KindLight:   {"light", []string{"level", "levelCmd"}},
	device.KindBoiler:  {"climate", []string{"setpoint", "hvacMode", "temperature", "authorization"}},
	device.KindAlarm:   {"alarm_control_panel", []string{"alarmState", "alarmMode"}},
	device.KindWindow:  {"binary_sensor", []string{"openState"}},
	device.KindDoor:    {"binary_sensor", []string{"openState"}},
	device.KindSmoke:   {"binary_sensor", []string{"techSmokeDefect"}},
}

// AttributeFilter holds attribute names never exposed as entities.
type AttributeFilter map[string]struct{}

// NewAttributeFilter builds a filter from a list of names.
func NewAttributeFilter(names []string) AttributeFilter {
	f := make(AttributeFilter, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

// Excludes reports whether name is filtered out.
func (f AttributeFilter) Excludes(name string) bool {
	_, ok := f[name]
	return ok
}

// BuildDiscovery describes the entities of a device: the kind's primary
// entity plus one entity for every other attribute the filter allows.
func BuildDiscovery(s device.Snapshot, filter AttributeFilter) DiscoveryMessage {
	msg := DiscoveryMessage{
		UniqueID:   s.UniqueID,
		DeviceID:   s.DeviceID,
		EndpointID: s.EndpointID,
		Name:       s.Name,
		Kind:       s.Kind,
		Timestamp:  time.Now().UTC(),
		Entities:   []Entity{},
	}

	var covered []string
	if p, ok := primaryEntities[s.Kind]; ok {
		covered = p.attributes
		msg.Primary = &Entity{
			Key:        string(s.Kind),
			Component:  p.component,
			Attributes: slices.Clone(p.attributes),
			ReadOnly:   s.Kind.ReadOnly(),
		}
	}

	keys := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if slices.Contains(covered, k) || filter.Excludes(k) {
			continue
		}
		msg.Entities = append(msg.Entities, Entity{
			Key:       k,
			Component: componentFor(s.Attributes[k]),
			ReadOnly:  true,
		})
	}
	return msg
}

func componentFor(v any) string {
	if _, ok := v.(bool); ok {
		return "binary_sensor"
	}
	return "sensor"
}
