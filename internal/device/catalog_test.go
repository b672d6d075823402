package device

import "testing"

func TestCatalog_ReplaceIsWholesale(t *testing.T) {
	cat := NewCatalog()
	cat.Replace([]CatalogEntry{
		{UniqueID: "1_100", Name: "Salon", Kind: KindShutter},
		{UniqueID: "2_100", Name: "Cuisine", Kind: KindLight},
	})
	cat.Replace([]CatalogEntry{
		{UniqueID: "3_200", Name: "Portail", Kind: KindGate},
	})

	if _, ok := cat.Lookup("1_100"); ok {
		t.Error("Lookup(1_100) found entry from previous configuration")
	}
	if e, ok := cat.Lookup("3_200"); !ok || e.Kind != KindGate {
		t.Errorf("Lookup(3_200) = %+v, %v", e, ok)
	}
	if cat.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cat.Len())
	}
}

func TestCatalog_Metadata(t *testing.T) {
	cat := NewCatalog()
	cat.SetMetadata("1_100", map[string]Constraint{
		"battLevel": {"type": "numeric", "min": 0.0, "max": 200.0},
		"levelCmd":  {"type": "string", "enum_values": []any{"ON", "OFF", "TOGGLE"}},
	})

	tests := []struct {
		name   string
		raw    float64
		want   float64
		wantOK bool
	}{
		{"midpoint", 100, 50, true},
		{"top", 200, 100, true},
		{"clamped", 250, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cat.ScaleToPercent("1_100", "battLevel", tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ScaleToPercent(%v) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := cat.ScaleToPercent("1_100", "levelCmd", 1); ok {
		t.Error("ScaleToPercent on enum attribute succeeded, want false")
	}
	if !cat.HasEnumValue("1_100", "levelCmd", "OFF") {
		t.Error("HasEnumValue(OFF) = false, want true")
	}
	if cat.HasEnumValue("1_100", "levelCmd", "STOP") {
		t.Error("HasEnumValue(STOP) = true, want false")
	}
	if cat.HasEnumValue("9_9", "levelCmd", "OFF") {
		t.Error("HasEnumValue on unknown device = true, want false")
	}
}

func TestCatalog_ScenariosAndGroups(t *testing.T) {
	cat := NewCatalog()
	cat.ReplaceScenarios([]Scenario{{ID: "10", Name: "Night"}, {ID: "11", Name: "Away"}})
	cat.ReplaceGroups([]Group{{ID: "5", Members: []string{"1_100"}}})

	if s, ok := cat.Scenario("11"); !ok || s.Name != "Away" {
		t.Errorf("Scenario(11) = %+v, %v", s, ok)
	}
	if _, ok := cat.Scenario("99"); ok {
		t.Error("Scenario(99) found, want missing")
	}
	if g := cat.Groups(); len(g) != 1 || g[0].Members[0] != "1_100" {
		t.Errorf("Groups() = %+v", g)
	}
}
