// Command smoke-engine exercises the progress engine end to end against the
// in-memory store: a week of daily logs, a streak milestone, an at-most-once
// claim, and a leaderboard read.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"pathwell.org/internal/engine"
)

func main() {
	eng, err := engine.New(engine.NewInMemory())
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now().UTC().AddDate(0, 0, -7)
	for day := 0; day < 7; day++ {
		at := start.AddDate(0, 0, day)
		res, err := eng.RecordAction(ctx, "smoke-user", engine.ActionSymptomLogged, at,
			fmt.Sprintf("smoke-%d", day), nil)
		if err != nil {
			log.Fatalf("record day %d: %v", day, err)
		}
		if res.Replayed {
			log.Fatalf("day %d unexpectedly replayed", day)
		}
	}

	// Replaying a key must not credit twice.
	replay, err := eng.RecordAction(ctx, "smoke-user", engine.ActionSymptomLogged, start, "smoke-0", nil)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		log.Fatal("idempotency replay not detected")
	}

	streaks, err := eng.Streaks(ctx, "smoke-user")
	if err != nil {
		log.Fatalf("streaks: %v", err)
	}
	if len(streaks) != 1 || streaks[0].Current != 7 {
		log.Fatalf("streak after a week: %+v", streaks)
	}

	first, err := eng.ClaimAchievement(ctx, "smoke-user", "consistent_week")
	if err != nil {
		log.Fatalf("claim: %v", err)
	}
	second, err := eng.ClaimAchievement(ctx, "smoke-user", "consistent_week")
	if err != nil {
		log.Fatalf("second claim: %v", err)
	}
	if first.AlreadyClaimed || !second.AlreadyClaimed || second.PointsAwarded != 0 {
		log.Fatalf("claim not at-most-once: first=%+v second=%+v", first, second)
	}

	card, err := eng.UserProgress(ctx, "smoke-user")
	if err != nil {
		log.Fatalf("progress: %v", err)
	}
	wantTotal := int64(7*5) + first.PointsAwarded
	if card.TotalPoints != wantTotal {
		log.Fatalf("total points = %d, want %d", card.TotalPoints, wantTotal)
	}

	entries, err := eng.Leaderboard(ctx, engine.WindowAll, 10)
	if err != nil {
		log.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "smoke-user" {
		log.Fatalf("leaderboard: %+v", entries)
	}

	fmt.Printf("ok: total=%d level=%d streak=%d claim=%d impact=%d\n",
		card.TotalPoints, card.Level, streaks[0].Current, first.PointsAwarded, entries[0].TotalImpactScore)
}
