package engine

import "testing"

func TestDefaultCatalogIsValid(t *testing.T) {
	c := DefaultCatalog()
	if len(c.List()) == 0 {
		t.Fatal("empty catalog")
	}
	if _, ok := c.Get("first_log"); !ok {
		t.Fatal("missing seeded achievement first_log")
	}
}

func TestDefaultRulesReferenceCatalog(t *testing.T) {
	if _, err := New(NewInMemory()); err != nil {
		t.Fatalf("default rules and catalog disagree: %v", err)
	}
}

func TestNewCatalogRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		defs []AchievementDefinition
	}{
		{"empty id", []AchievementDefinition{{MaxProgress: 1, Rarity: RarityCommon}}},
		{"duplicate id", []AchievementDefinition{
			{ID: "dup", MaxProgress: 1, Rarity: RarityCommon},
			{ID: "dup", MaxProgress: 1, Rarity: RarityCommon},
		}},
		{"zero max progress", []AchievementDefinition{{ID: "x", Rarity: RarityCommon}}},
		{"negative points", []AchievementDefinition{{ID: "x", MaxProgress: 1, PointValue: -1, Rarity: RarityCommon}}},
		{"bad rarity", []AchievementDefinition{{ID: "x", MaxProgress: 1, Rarity: "mythic"}}},
	}
	for _, tc := range cases {
		if _, err := NewCatalog(tc.defs); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
