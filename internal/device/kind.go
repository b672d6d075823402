package device

// Kind is the device variant, decided once from the catalog usage string.
// A device seen before the catalog starts as a provisional KindGeneric.
type Kind string

// Device kinds.
const (
	KindShutter Kind = "shutter"
	KindWindow  Kind = "window"
	KindDoor    Kind = "door"
	KindGate    Kind = "gate"
	KindGarage  Kind = "garage"
	KindLight   Kind = "light"
	KindBoiler  Kind = "boiler"
	KindEnergy  Kind = "energy"
	KindSmoke   Kind = "smoke"
	KindAlarm   Kind = "alarm"
	KindGateway Kind = "gateway"
	KindGeneric Kind = "generic"
)

// Vendor usage codes that are rewritten before kind resolution.
const (
	UsageUnknown = "unknown"
	UsageBoiler  = "boiler"
	UsageSmoke   = "smoke"
	UsageAlarm   = "alarm"
)

// usageRemap translates vendor last_usage codes to canonical usages.
var usageRemap = map[string]string{
	"electric":  UsageBoiler,
	"sensorDFR": UsageSmoke,
	"":          UsageUnknown,
}

// usageKinds maps canonical usages to device kinds.
var usageKinds = map[string]Kind{
	"shutter":            KindShutter,
	"klineShutter":       KindShutter,
	"awning":             KindShutter,
	"swingShutter":       KindShutter,
	"window":             KindWindow,
	"windowFrench":       KindWindow,
	"windowSliding":      KindWindow,
	"klineWindowFrench":  KindWindow,
	"klineWindowSliding": KindWindow,
	"belmDoor":           KindDoor,
	"klineDoor":          KindDoor,
	"gate":               KindGate,
	"garage_door":        KindGarage,
	"light":              KindLight,
	"boiler":             KindBoiler,
	"sh_hvac":            KindBoiler,
	"aeraulic":           KindBoiler,
	"conso":              KindEnergy,
	"smoke":              KindSmoke,
	"alarm":              KindAlarm,
	"unknown":            KindGeneric,
}

// NormalizeUsage applies the vendor remapping table to a last_usage code.
func NormalizeUsage(usage string) string {
	if mapped, ok := usageRemap[usage]; ok {
		return mapped
	}
	return usage
}

// KindForUsage returns the kind for a usage code, remapping it first.
// The second result is false for usages no variant handles.
func KindForUsage(usage string) (Kind, bool) {
	k, ok := usageKinds[NormalizeUsage(usage)]
	return k, ok
}

// ReadOnly reports whether the kind only reports state and accepts no
// control commands beyond raw attribute writes.
func (k Kind) ReadOnly() bool {
	switch k {
	case KindWindow, KindDoor, KindSmoke, KindEnergy, KindGateway:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindShutter, KindWindow, KindDoor, KindGate, KindGarage, KindLight,
		KindBoiler, KindEnergy, KindSmoke, KindAlarm, KindGateway, KindGeneric:
		return true
	default:
		return false
	}
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}
