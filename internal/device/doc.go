// Package device provides the device model and the Device Registry for the
// Tydom bridge.
//
// The registry is the single owner of every Device discovered on the
// gateway. Devices are created the first time a delta names an unknown
// unique id and are merged in place by every later delta. They are never
// removed in response to gateway traffic.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                         Device Registry                          │
//	│                                                                  │
//	│  ┌────────────────┐   ┌────────────────┐   ┌────────────────┐    │
//	│  │    Registry    │   │    Catalog     │   │    Commands    │    │
//	│  │ (registry.go)  │   │  (catalog.go)  │   │ (commands.go)  │    │
//	│  │                │   │                │   │                │    │
//	│  │ • Apply deltas │   │ • Config list  │   │ • Per-kind     │    │
//	│  │ • Observers    │   │ • Metadata     │   │   wire writes  │    │
//	│  │ • Snapshots    │   │ • Scenarios    │   │ • Read-only    │    │
//	│  └────────────────┘   └────────────────┘   └────────────────┘    │
//	│          │                                                       │
//	└──────────│───────────────────────────────────────────────────────┘
//	           ▼
//	┌─────────────────────────┐
//	│ SQLite (snapshots,      │
//	│ state history)          │
//	└─────────────────────────┘
//
// # Merge Semantics
//
// Applying a delta to an existing device overwrites or adds every key whose
// value is not nil and leaves all other keys untouched. Keys are never
// removed, so the attribute bag keeps the last known good value of every
// attribute the gateway has ever reported. Applying the same delta twice
// yields the same state and two notifications; observers must tolerate
// redundant updates.
//
// # Thread Safety
//
// All Registry and Catalog methods are safe for concurrent use. Each Device
// guards its attribute bag with its own lock, so readers see whole deltas.
// Observers are called synchronously, outside the registry lock.
//
// # Usage
//
//	reg := device.NewRegistry()
//	reg.SetLogger(logger)
//	reg.OnCreated(adapter)
//	reg.Apply(deltas)
//
//	dev, ok := reg.Get("1_100")
//	if ok {
//	    pos := dev.Attribute("position")
//	}
package device
