package engine

import (
	"fmt"
	"sort"
)

// Catalog is the static achievement registry, loaded once at startup and
// immutable afterwards. Everything else references definitions by id.
type Catalog struct {
	defs  map[string]AchievementDefinition
	order []string
}

// NewCatalog validates and indexes a set of definitions.
func NewCatalog(defs []AchievementDefinition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]AchievementDefinition, len(defs))}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("achievement with empty id")
		}
		if _, dup := c.defs[def.ID]; dup {
			return nil, fmt.Errorf("duplicate achievement id %q", def.ID)
		}
		if def.MaxProgress <= 0 {
			return nil, fmt.Errorf("achievement %q: max progress must be > 0", def.ID)
		}
		if def.PointValue < 0 {
			return nil, fmt.Errorf("achievement %q: point value must be >= 0", def.ID)
		}
		switch def.Rarity {
		case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		default:
			return nil, fmt.Errorf("achievement %q: unknown rarity %q", def.ID, def.Rarity)
		}
		c.defs[def.ID] = def
		c.order = append(c.order, def.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get returns the definition for the id.
func (c *Catalog) Get(id string) (AchievementDefinition, bool) {
	def, ok := c.defs[id]
	return def, ok
}

// List returns all definitions in stable id order.
func (c *Catalog) List() []AchievementDefinition {
	out := make([]AchievementDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}

// DefaultCatalog is the seeded production catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]AchievementDefinition{
		{ID: "first_log", Title: "First Step", Requirement: "Log your first symptom", MaxProgress: 1, PointValue: 10, Rarity: RarityCommon},
		{ID: "first_post", Title: "Breaking the Ice", Requirement: "Create your first community post", MaxProgress: 1, PointValue: 25, Rarity: RarityCommon},
		{ID: "symptom_scholar", Title: "Symptom Scholar", Requirement: "Log 50 symptoms", MaxProgress: 50, PointValue: 75, Rarity: RarityRare},
		{ID: "task_master", Title: "Task Master", Requirement: "Complete 25 care-plan tasks", MaxProgress: 25, PointValue: 75, Rarity: RarityRare},
		{ID: "consistent_week", Title: "Steady Week", Requirement: "Keep a 7-day logging streak", MaxProgress: 7, PointValue: 50, Rarity: RarityRare},
		{ID: "consistent_month", Title: "Steady Month", Requirement: "Keep a 30-day logging streak", MaxProgress: 30, PointValue: 200, Rarity: RarityEpic},
		{ID: "helping_hand", Title: "Helping Hand", Requirement: "Have 10 replies marked helpful", MaxProgress: 10, PointValue: 100, Rarity: RarityRare},
		{ID: "community_pillar", Title: "Community Pillar", Requirement: "Have 50 replies marked helpful", MaxProgress: 50, PointValue: 300, Rarity: RarityEpic},
		{ID: "mentor_in_the_making", Title: "Mentor in the Making", Requirement: "Hold 5 mentoring sessions", MaxProgress: 5, PointValue: 150, Rarity: RarityEpic},
		{ID: "research_ally", Title: "Research Ally", Requirement: "Share 20 studies with the community", MaxProgress: 20, PointValue: 250, Rarity: RarityEpic},
		{ID: "pathfinder", Title: "Pathfinder", Requirement: "Complete 100 care-plan tasks", MaxProgress: 100, PointValue: 500, Rarity: RarityLegendary},
	})
	if err != nil {
		panic(err) // seeded data, validated by tests
	}
	return c
}
