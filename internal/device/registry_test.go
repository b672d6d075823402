package device

import (
	"fmt"
	"sync"
	"testing"
)

// recorder is a test Observer and CreationObserver that counts calls.
type recorder struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (r *recorder) DeviceCreated(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, dev.UniqueID())
}

func (r *recorder) DeviceUpdated(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, dev.UniqueID())
}

func (r *recorder) counts() (created, updated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.updated)
}

func shutterDelta(position any) Delta {
	return Delta{
		UniqueID:   "1_100",
		DeviceID:   "100",
		EndpointID: "1",
		Name:       "Salon",
		Kind:       KindShutter,
		Attributes: Attributes{"position": position},
	}
}

func TestRegistry_CreateThenUpdatePreservesIdentity(t *testing.T) {
	reg := NewRegistry()

	reg.Apply([]Delta{shutterDelta(50.0)})
	first, ok := reg.Get("1_100")
	if !ok {
		t.Fatal("device 1_100 not created")
	}
	if first.Kind() != KindShutter {
		t.Errorf("Kind() = %q, want %q", first.Kind(), KindShutter)
	}
	if got := first.Attribute("position"); got != 50.0 {
		t.Errorf("position = %v, want 50", got)
	}

	reg.Apply([]Delta{shutterDelta(0.0)})
	second, _ := reg.Get("1_100")
	if first != second {
		t.Error("update replaced the device object, want identity preserved")
	}
	if got := second.Attribute("position"); got != 0.0 {
		t.Errorf("position = %v, want 0", got)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

func TestRegistry_ApplyIsIdempotent(t *testing.T) {
	delta := Delta{
		UniqueID: "1_100",
		Kind:     KindLight,
		Attributes: Attributes{
			"level":    30.0,
			"onFavPos": true,
		},
	}

	once := NewRegistry()
	once.Apply([]Delta{delta})

	twice := NewRegistry()
	rec := &recorder{}
	twice.Subscribe("1_100", rec)
	twice.Apply([]Delta{delta})
	twice.Apply([]Delta{delta})

	a, _ := once.Get("1_100")
	b, _ := twice.Get("1_100")
	if fmt.Sprint(a.Attributes()) != fmt.Sprint(b.Attributes()) {
		t.Errorf("attributes differ: once=%v twice=%v", a.Attributes(), b.Attributes())
	}
	if _, updated := rec.counts(); updated != 1 {
		t.Errorf("updated notifications = %d, want 1 (redundant delta still notifies)", updated)
	}
}

func TestRegistry_AttributesAreNeverRemoved(t *testing.T) {
	reg := NewRegistry()
	sequence := []Attributes{
		{"position": 10.0, "onFavPos": false},
		{"thermicDefect": true},
		{"position": nil, "obstacleDefect": false},
		{},
		{"position": 90.0},
	}

	seen := map[string]bool{}
	for _, attrs := range sequence {
		reg.Apply([]Delta{{UniqueID: "1_100", Kind: KindShutter, Attributes: attrs}})
		for k, v := range attrs {
			if v != nil {
				seen[k] = true
			}
		}
	}

	dev, _ := reg.Get("1_100")
	for k := range seen {
		if dev.Attribute(k) == nil {
			t.Errorf("attribute %q missing after later deltas", k)
		}
	}
	if got := dev.Attribute("position"); got != 90.0 {
		t.Errorf("position = %v, want 90", got)
	}
}

func TestRegistry_NilValuesIgnored(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{{UniqueID: "a", Kind: KindGeneric, Attributes: Attributes{"x": nil, "y": 1.0}}})

	dev, _ := reg.Get("a")
	if attrs := dev.Attributes(); len(attrs) != 1 || attrs["y"] != 1.0 {
		t.Errorf("Attributes() = %v, want only y", attrs)
	}
}

func TestRegistry_Notifications(t *testing.T) {
	reg := NewRegistry()
	creator := &recorder{}
	watcher := &recorder{}
	other := &recorder{}
	reg.OnCreated(creator)
	reg.Subscribe("1_100", watcher)
	reg.Subscribe("1_100", watcher)
	reg.Subscribe("2_100", other)

	reg.Apply([]Delta{shutterDelta(10.0)})
	if c, u := creator.counts(); c != 1 || u != 0 {
		t.Errorf("creator counts = (%d, %d), want (1, 0)", c, u)
	}
	if _, u := watcher.counts(); u != 0 {
		t.Errorf("watcher updated on creation = %d, want 0", u)
	}

	reg.Apply([]Delta{shutterDelta(20.0)})
	if _, u := watcher.counts(); u != 1 {
		t.Errorf("watcher updates = %d, want 1", u)
	}
	if _, u := other.counts(); u != 0 {
		t.Errorf("other observer updates = %d, want 0", u)
	}

	reg.Unsubscribe("1_100", watcher)
	reg.Apply([]Delta{shutterDelta(30.0)})
	if _, u := watcher.counts(); u != 1 {
		t.Errorf("watcher updates after unsubscribe = %d, want 1", u)
	}
}

// reentrant reads the registry from inside the callback, which would
// deadlock if observers ran under the registry lock.
type reentrant struct {
	reg   *Registry
	count int
}

func (r *reentrant) DeviceCreated(dev *Device) {
	r.count = r.reg.Count()
	r.reg.Subscribe(dev.UniqueID(), r)
}

func (r *reentrant) DeviceUpdated(*Device) {}

func TestRegistry_ObserversRunOutsideLock(t *testing.T) {
	reg := NewRegistry()
	obs := &reentrant{reg: reg}
	reg.OnCreated(obs)

	reg.Apply([]Delta{shutterDelta(10.0)})

	if obs.count != 1 {
		t.Errorf("count seen from callback = %d, want 1", obs.count)
	}
}

func TestRegistry_UnknownKindBecomesGeneric(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{{UniqueID: "9_9", Kind: "", Attributes: Attributes{"foo": "bar"}}})

	dev, ok := reg.Get("9_9")
	if !ok {
		t.Fatal("device not created")
	}
	if dev.Kind() != KindGeneric {
		t.Errorf("Kind() = %q, want %q", dev.Kind(), KindGeneric)
	}
}

func TestRegistry_ProvisionalKindResolvedOnce(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.Subscribe("1_100", rec)

	early := shutterDelta(10.0)
	early.Kind, early.Provisional, early.Name = KindGeneric, true, ""
	reg.Apply([]Delta{early})

	dev, _ := reg.Get("1_100")
	if dev.Kind() != KindGeneric {
		t.Fatalf("Kind() before catalog = %q, want generic", dev.Kind())
	}

	// Still unknown to the catalog: stays provisional.
	reg.Apply([]Delta{early})
	if dev.Kind() != KindGeneric {
		t.Fatalf("Kind() after second miss = %q, want generic", dev.Kind())
	}

	reg.Apply([]Delta{shutterDelta(20.0)})
	if dev.Kind() != KindShutter {
		t.Errorf("Kind() after catalog = %q, want shutter", dev.Kind())
	}
	if dev.Name() != "Salon" {
		t.Errorf("Name() = %q, want Salon", dev.Name())
	}

	later := shutterDelta(30.0)
	later.Kind = KindLight
	reg.Apply([]Delta{later})
	if dev.Kind() != KindShutter {
		t.Errorf("Kind() changed again to %q, want shutter", dev.Kind())
	}
	if _, updated := rec.counts(); updated != 3 {
		t.Errorf("updates = %d, want 3", updated)
	}
}

func TestRegistry_CatalogGenericIsFinal(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{{UniqueID: "4_400", Kind: KindGeneric, Attributes: Attributes{"foo": 1.0}}})
	reg.Apply([]Delta{{UniqueID: "4_400", Kind: KindLight, Attributes: Attributes{"foo": 2.0}}})

	dev, _ := reg.Get("4_400")
	if dev.Kind() != KindGeneric {
		t.Errorf("Kind() = %q, want generic", dev.Kind())
	}
}

func TestSnapshot_DeltaMarksGenericProvisional(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindGeneric, true},
		{KindShutter, false},
		{KindGateway, false},
	}
	for _, tt := range tests {
		d := Snapshot{UniqueID: "1_1", Kind: tt.kind}.Delta()
		if d.Provisional != tt.want {
			t.Errorf("Snapshot{Kind: %s}.Delta().Provisional = %v, want %v", tt.kind, d.Provisional, tt.want)
		}
	}
}

func TestRegistry_DropsDeltaWithoutUniqueID(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{{Kind: KindLight}})
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestRegistry_ListSortedAndStats(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{
		{UniqueID: "2_1", Kind: KindLight},
		{UniqueID: "1_1", Kind: KindShutter},
		{UniqueID: "3_1", Kind: KindLight},
	})

	list := reg.List()
	if len(list) != 3 || list[0].UniqueID() != "1_1" || list[2].UniqueID() != "3_1" {
		t.Errorf("List() order wrong: %v", []string{list[0].UniqueID(), list[1].UniqueID(), list[2].UniqueID()})
	}

	stats := reg.GetStats()
	if stats.TotalDevices != 3 || stats.ByKind[KindLight] != 2 {
		t.Errorf("GetStats() = %+v, want 3 total and 2 lights", stats)
	}
}

func TestRegistry_ConcurrentReadersDuringMerge(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{shutterDelta(0.0)})
	dev, _ := reg.Get("1_100")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 500 {
			reg.Apply([]Delta{shutterDelta(float64(i % 100))})
		}
	}()

	for range 500 {
		_ = dev.Snapshot()
		_ = dev.Attributes()
	}
	wg.Wait()
}

func TestSnapshot_DeltaRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Apply([]Delta{shutterDelta(42.0)})
	dev, _ := reg.Get("1_100")

	snap := dev.Snapshot()
	other := NewRegistry()
	other.Apply([]Delta{snap.Delta()})

	restored, ok := other.Get("1_100")
	if !ok {
		t.Fatal("restored device missing")
	}
	if restored.Name() != "Salon" || restored.Kind() != KindShutter || restored.Attribute("position") != 42.0 {
		t.Errorf("restored = %+v, want Salon/shutter/42", restored.Snapshot())
	}
}
