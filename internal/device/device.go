package device

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Attributes is a bag of named scalar values keyed by the vendor's raw
// attribute names. Values are string, float64, bool or int.
type Attributes map[string]any

// Delta is a partial update for one device endpoint produced by the router.
// Nil attribute values are ignored on merge.
type Delta struct {
	UniqueID   string
	DeviceID   string
	EndpointID string
	Name       string
	Kind       Kind
	Attributes Attributes

	// Provisional marks a kind guessed without a catalog entry. A
	// provisional device takes the kind of the first later delta that
	// is not provisional.
	Provisional bool
}

// UniqueID joins a gateway device id and endpoint id into the registry key.
func UniqueID(deviceID, endpointID string) string {
	return endpointID + "_" + deviceID
}

// Device is a live device endpoint owned by the Registry.
//
// Identity fields never change after creation. The kind is fixed too,
// except that a provisional generic device is resolved once when the
// catalog names it. The attribute bag only gains keys or updates values.
type Device struct {
	uniqueID   string
	deviceID   string
	endpointID string

	mu          sync.RWMutex
	kind        Kind
	provisional bool
	name        string
	attrs       Attributes
	updatedAt   time.Time
}

func newDevice(d Delta, now time.Time) *Device {
	dev := &Device{
		uniqueID:    d.UniqueID,
		deviceID:    d.DeviceID,
		endpointID:  d.EndpointID,
		kind:        d.Kind,
		provisional: d.Provisional,
		name:        d.Name,
		attrs:       make(Attributes, len(d.Attributes)),
		updatedAt:   now,
	}
	if !dev.kind.Valid() {
		dev.kind = KindGeneric
		dev.provisional = true
	}
	for k, v := range d.Attributes {
		if v != nil {
			dev.attrs[k] = v
		}
	}
	return dev
}

// merge applies non-nil values from the delta and returns the keys that
// were not present before. resolved is true when the merge settled a
// provisional kind.
func (d *Device) merge(delta Delta, now time.Time) (added []string, resolved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.provisional && !delta.Provisional && delta.Kind.Valid() {
		d.kind = delta.Kind
		d.provisional = false
		resolved = true
	}
	for k, v := range delta.Attributes {
		if v == nil {
			continue
		}
		if _, ok := d.attrs[k]; !ok {
			added = append(added, k)
		}
		d.attrs[k] = v
	}
	if delta.Name != "" {
		d.name = delta.Name
	}
	d.updatedAt = now
	slices.Sort(added)
	return added, resolved
}

// UniqueID returns the registry key.
func (d *Device) UniqueID() string { return d.uniqueID }

// DeviceID returns the gateway device id.
func (d *Device) DeviceID() string { return d.deviceID }

// EndpointID returns the gateway endpoint id.
func (d *Device) EndpointID() string { return d.endpointID }

// Kind returns the device variant.
func (d *Device) Kind() Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kind
}

// Name returns the display name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Attribute returns one attribute value, or nil if the key was never set.
func (d *Device) Attribute(name string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attrs[name]
}

// Attributes returns a copy of the attribute bag.
func (d *Device) Attributes() Attributes {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.attrs)
}

// UpdatedAt returns the time of the last merge.
func (d *Device) UpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updatedAt
}

// Snapshot is a point-in-time copy of a device, safe to serialise.
type Snapshot struct {
	UniqueID   string     `json:"unique_id"`
	DeviceID   string     `json:"device_id"`
	EndpointID string     `json:"endpoint_id"`
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	Attributes Attributes `json:"attributes"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot copies the device under its lock.
func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		UniqueID:   d.uniqueID,
		DeviceID:   d.deviceID,
		EndpointID: d.endpointID,
		Name:       d.name,
		Kind:       d.kind,
		Attributes: maps.Clone(d.attrs),
		UpdatedAt:  d.updatedAt,
	}
}

// Delta converts a snapshot back into a delta, used for warm start.
// Stored generic devices come back provisional so a catalog that now
// knows them can still resolve their kind.
func (s Snapshot) Delta() Delta {
	return Delta{
		UniqueID:    s.UniqueID,
		DeviceID:    s.DeviceID,
		EndpointID:  s.EndpointID,
		Name:        s.Name,
		Kind:        s.Kind,
		Attributes:  maps.Clone(s.Attributes),
		Provisional: s.Kind == KindGeneric,
	}
}
