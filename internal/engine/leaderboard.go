package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tier is the coarse classification derived from total impact score.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// TierFor maps an impact score onto a tier. Boundaries are inclusive on the
// lower bound.
func TierFor(score int64) Tier {
	switch {
	case score < 500:
		return TierBronze
	case score < 1500:
		return TierSilver
	case score < 3000:
		return TierGold
	case score < 5000:
		return TierPlatinum
	default:
		return TierDiamond
	}
}

// Window scopes the consistency component of the leaderboard. Category
// aggregates stay lifetime; a slightly stale snapshot is acceptable.
type Window string

const (
	WindowAll   Window = "all"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
)

// ParseWindow accepts the window query value; empty means all-time.
func ParseWindow(raw string) (Window, error) {
	switch Window(strings.ToLower(strings.TrimSpace(raw))) {
	case "", WindowAll:
		return WindowAll, nil
	case WindowWeek:
		return WindowWeek, nil
	case WindowMonth:
		return WindowMonth, nil
	default:
		return "", fmt.Errorf("unknown window %q", raw)
	}
}

func (w Window) cutoff(now time.Time) time.Time {
	switch w {
	case WindowWeek:
		return now.AddDate(0, 0, -7)
	case WindowMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// Weights blends category sub-scores into the composite impact score.
type Weights struct {
	Research    float64
	Support     float64
	Knowledge   float64
	Mentoring   float64
	Consistency float64
}

// DefaultWeights returns the production blend.
func DefaultWeights() Weights {
	return Weights{Research: 0.30, Support: 0.25, Knowledge: 0.20, Mentoring: 0.15, Consistency: 0.10}
}

// ParseWeights reads five comma-separated fractions in the order
// research,support,knowledge,mentoring,consistency.
func ParseWeights(raw string) (Weights, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 5 {
		return Weights{}, fmt.Errorf("want 5 weights, got %d", len(parts))
	}
	vals := make([]float64, 5)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return Weights{}, fmt.Errorf("bad weight %q", p)
		}
		vals[i] = v
	}
	return Weights{Research: vals[0], Support: vals[1], Knowledge: vals[2], Mentoring: vals[3], Consistency: vals[4]}, nil
}

// LeaderboardEntry is a derived ranking row, never a source of truth.
type LeaderboardEntry struct {
	Rank             int                `json:"rank"`
	UserID           string             `json:"user_id"`
	TotalImpactScore int64              `json:"total_impact_score"`
	CategoryScores   map[Category]int64 `json:"category_scores"`
	ConsistencyScore int64              `json:"consistency_score"`
	Tier             Tier               `json:"tier"`
	JoinedAt         time.Time          `json:"joined_at"`
}

// consistencyPointsPerDay converts current streak days into score points
// before weighting.
const consistencyPointsPerDay = 10

// ComputeLeaderboard ranks score cards by weighted impact. Ordering is a
// total order: impact desc, then earlier JoinedAt, then UserID, so identical
// inputs always produce identical output.
func ComputeLeaderboard(cards []ScoreCard, streaks []StreakRecord, w Weights, window Window, limit int, now time.Time) []LeaderboardEntry {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cutoff := window.cutoff(now)

	consistency := make(map[string]int64)
	for _, rec := range streaks {
		if !cutoff.IsZero() && rec.LastActiveDate.Before(Day(cutoff)) {
			continue
		}
		consistency[rec.UserID] += int64(rec.Current) * consistencyPointsPerDay
	}

	entries := make([]LeaderboardEntry, 0, len(cards))
	for _, card := range cards {
		scores := map[Category]int64{
			CategoryResearch:  card.Categories[CategoryResearch],
			CategorySupport:   card.Categories[CategorySupport],
			CategoryKnowledge: card.Categories[CategoryKnowledge],
			CategoryMentoring: card.Categories[CategoryMentoring],
		}
		cons := consistency[card.UserID]
		impact := w.Research*float64(scores[CategoryResearch]) +
			w.Support*float64(scores[CategorySupport]) +
			w.Knowledge*float64(scores[CategoryKnowledge]) +
			w.Mentoring*float64(scores[CategoryMentoring]) +
			w.Consistency*float64(cons)
		score := int64(math.Round(impact))
		entries = append(entries, LeaderboardEntry{
			UserID:           card.UserID,
			TotalImpactScore: score,
			CategoryScores:   scores,
			ConsistencyScore: cons,
			Tier:             TierFor(score),
			JoinedAt:         card.JoinedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalImpactScore != b.TotalImpactScore {
			return a.TotalImpactScore > b.TotalImpactScore
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
