package device

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives updates for the devices it subscribed to.
type Observer interface {
	DeviceUpdated(dev *Device)
}

// CreationObserver is told about every device the registry creates.
type CreationObserver interface {
	DeviceCreated(dev *Device)
}

// Registry owns every Device keyed by unique id and reconciles incoming
// deltas into them.
//
// All public methods are thread-safe. Notifications are delivered
// synchronously on the caller's goroutine after the registry lock has
// been released.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	observers map[string][]Observer
	creators  []CreationObserver
	logger    Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:   make(map[string]*Device),
		observers: make(map[string][]Observer),
		logger:    noopLogger{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// OnCreated registers an observer for device creation.
func (r *Registry) OnCreated(o CreationObserver) {
	r.mu.Lock()
	r.creators = append(r.creators, o)
	r.mu.Unlock()
}

// Subscribe registers o for updates to uniqueID. The device does not need
// to exist yet. Subscribing the same observer twice has no effect.
// Observers are compared with ==, so o must be a comparable value such as
// a pointer.
func (r *Registry) Subscribe(uniqueID string, o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.observers[uniqueID], o) {
		return
	}
	r.observers[uniqueID] = append(r.observers[uniqueID], o)
}

// Unsubscribe removes o from uniqueID's observers.
func (r *Registry) Unsubscribe(uniqueID string, o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(slices.Clone(r.observers[uniqueID]), func(x Observer) bool { return x == o })
	if len(list) == 0 {
		delete(r.observers, uniqueID)
		return
	}
	r.observers[uniqueID] = list
}

type notification struct {
	dev      *Device
	created  bool
	creators []CreationObserver
	updaters []Observer
}

// Apply reconciles deltas into the registry in order.
//
// An unknown unique id creates a device seeded with the delta's non-nil
// attributes and notifies creation observers. A known unique id merges the
// delta and notifies the device's observers.
func (r *Registry) Apply(deltas []Delta) {
	pending := make([]notification, 0, len(deltas))

	r.mu.Lock()
	logger := r.logger
	for _, d := range deltas {
		if d.UniqueID == "" {
			logger.Warn("dropping delta without unique id", "device_id", d.DeviceID, "endpoint_id", d.EndpointID)
			continue
		}
		now := r.now()
		if dev, ok := r.devices[d.UniqueID]; ok {
			if _, resolved := dev.merge(d, now); resolved {
				logger.Info("device kind resolved", "unique_id", dev.uniqueID, "kind", d.Kind)
			}
			pending = append(pending, notification{dev: dev, updaters: slices.Clone(r.observers[d.UniqueID])})
			continue
		}
		dev := newDevice(d, now)
		r.devices[d.UniqueID] = dev
		logger.Info("device created", "unique_id", dev.uniqueID, "kind", dev.kind, "provisional", dev.provisional, "name", dev.name)
		pending = append(pending, notification{dev: dev, created: true, creators: slices.Clone(r.creators)})
	}
	r.mu.Unlock()

	for _, n := range pending {
		if n.created {
			for _, o := range n.creators {
				o.DeviceCreated(n.dev)
			}
			continue
		}
		for _, o := range n.updaters {
			o.DeviceUpdated(n.dev)
		}
	}
}

// Get returns the device for uniqueID.
func (r *Registry) Get(uniqueID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[uniqueID]
	return dev, ok
}

// List returns every device ordered by unique id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	list := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b *Device) int { return strings.Compare(a.uniqueID, b.uniqueID) })
	return list
}

// Count returns the number of devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	ByKind       map[Kind]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.devices),
		ByKind:       make(map[Kind]int),
	}
	for _, d := range r.devices {
		stats.ByKind[d.Kind()]++
	}
	return stats
}
