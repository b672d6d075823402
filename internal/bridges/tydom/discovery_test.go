package tydom

import (
	"testing"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

func TestBuildDiscovery(t *testing.T) {
	snap := device.Snapshot{
		UniqueID:   "1_100",
		DeviceID:   "100",
		EndpointID: "1",
		Name:       "Salon",
		Kind:       device.KindShutter,
		Attributes: device.Attributes{
			"position":      50.0,
			"thermicDefect": false,
			"onFavPos":      true,
			"jobsMP":        12.0,
		},
	}

	msg := BuildDiscovery(snap, NewAttributeFilter([]string{"jobsMP"}))

	if msg.Primary == nil || msg.Primary.Component != "cover" || msg.Primary.ReadOnly {
		t.Fatalf("Primary = %+v, want writable cover", msg.Primary)
	}
	want := []Entity{
		{Key: "onFavPos", Component: "binary_sensor", ReadOnly: true},
		{Key: "thermicDefect", Component: "binary_sensor", ReadOnly: true},
	}
	if len(msg.Entities) != len(want) {
		t.Fatalf("Entities = %+v, want %+v", msg.Entities, want)
	}
	for i, e := range want {
		got := msg.Entities[i]
		if got.Key != e.Key || got.Component != e.Component || got.ReadOnly != e.ReadOnly {
			t.Errorf("Entities[%d] = %+v, want %+v", i, got, e)
		}
	}
}

func TestBuildDiscovery_Kinds(t *testing.T) {
	tests := []struct {
		kind         device.Kind
		component    string
		readOnly     bool
		wantEntities int
	}{
		{device.KindLight, "light", false, 0},
		{device.KindBoiler, "climate", false, 1},
		{device.KindAlarm, "alarm_control_panel", false, 1},
		{device.KindWindow, "binary_sensor", true, 1},
		{device.KindSmoke, "binary_sensor", true, 1},
		{device.KindEnergy, "", true, 2},
		{device.KindGeneric, "", false, 2},
	}

	attrs := map[device.Kind]device.Attributes{
		device.KindLight:   {"level": 10.0},
		device.KindBoiler:  {"setpoint": 19.0, "temperature": 20.5, "outTemperature": 8.0},
		device.KindAlarm:   {"alarmState": "OFF", "alarmMode": "OFF", "batteryDefect": false},
		device.KindWindow:  {"openState": "LOCKED", "battDefect": false},
		device.KindSmoke:   {"techSmokeDefect": false, "battDefect": false},
		device.KindEnergy:  {"energyIndex_ELEC": 100.0, "energyInstant_ELEC_A": 2.0},
		device.KindGeneric: {"a": 1.0, "b": "x"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			msg := BuildDiscovery(device.Snapshot{UniqueID: "x", Kind: tt.kind, Attributes: attrs[tt.kind]}, nil)

			switch {
			case tt.component == "" && msg.Primary != nil:
				t.Errorf("Primary = %+v, want none", msg.Primary)
			case tt.component != "" && (msg.Primary == nil || msg.Primary.Component != tt.component):
				t.Errorf("Primary = %+v, want %s", msg.Primary, tt.component)
			case msg.Primary != nil && msg.Primary.ReadOnly != tt.readOnly:
				t.Errorf("Primary.ReadOnly = %v, want %v", msg.Primary.ReadOnly, tt.readOnly)
			}
			if len(msg.Entities) != tt.wantEntities {
				t.Errorf("Entities = %+v, want %d", msg.Entities, tt.wantEntities)
			}
		})
	}
}

func TestAttributeFilter(t *testing.T) {
	f := NewAttributeFilter([]string{"jobsMP", "softVersion"})
	if !f.Excludes("jobsMP") || f.Excludes("position") {
		t.Error("Excludes() mismatch")
	}
	var empty AttributeFilter
	if empty.Excludes("anything") {
		t.Error("nil filter excluded an attribute")
	}
}
