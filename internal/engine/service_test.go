package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *InMemory) {
	t.Helper()
	store := NewInMemory()
	eng, err := New(store, opts...)
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	return eng, store
}

func TestCreditPointsLevelMath(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.CreditPoints(ctx, "u1", 180, CategoryNone); err != nil {
		t.Fatal(err)
	}
	card, err := eng.CreditPoints(ctx, "u1", 30, CategoryNone)
	if err != nil {
		t.Fatal(err)
	}
	if card.TotalPoints != 210 || card.Level != 2 || card.ProgressToNext != 10 {
		t.Fatalf("unexpected card: total=%d level=%d progress=%d", card.TotalPoints, card.Level, card.ProgressToNext)
	}
}

func TestCreditPointsRejectsNonPositive(t *testing.T) {
	_, store := newTestEngine(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		if _, err := store.CreditPoints(ctx, "u1", amount, CategoryNone); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestLevelInvariantAfterEveryCredit(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var total int64
	for _, amount := range []int64{10, 199, 1, 200, 777} {
		card, err := eng.CreditPoints(ctx, "u1", amount, CategoryResearch)
		if err != nil {
			t.Fatal(err)
		}
		total += amount
		wantLevel := int(total/LevelSize) + 1
		wantProgress := total % LevelSize
		if card.Level != wantLevel || card.ProgressToNext != wantProgress {
			t.Fatalf("after %d total: level=%d want %d, progress=%d want %d",
				total, card.Level, wantLevel, card.ProgressToNext, wantProgress)
		}
	}
}

func TestClaimAwardsExactlyOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	def, _ := eng.catalog.Get("first_post")
	if _, _, err := store.IncrementProgress(ctx, def, "u1", def.MaxProgress); err != nil {
		t.Fatal(err)
	}

	res, err := eng.ClaimAchievement(ctx, "u1", "first_post")
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyClaimed || res.PointsAwarded != def.PointValue {
		t.Fatalf("unexpected first claim: %+v", res)
	}

	res2, err := eng.ClaimAchievement(ctx, "u1", "first_post")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.AlreadyClaimed || res2.PointsAwarded != 0 {
		t.Fatalf("unexpected second claim: %+v", res2)
	}

	card, err := eng.UserProgress(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if card.TotalPoints != def.PointValue {
		t.Fatalf("points credited more than once: %d", card.TotalPoints)
	}
}

func TestConcurrentClaimsCreditOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	def, _ := eng.catalog.Get("helping_hand")
	if _, _, err := store.IncrementProgress(ctx, def, "u1", def.MaxProgress); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]ClaimResult, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.ClaimAchievement(ctx, "u1", def.ID)
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	awarded := 0
	for _, res := range results {
		if !res.AlreadyClaimed {
			awarded++
		}
	}
	if awarded != 1 {
		t.Fatalf("expected exactly one award, got %d", awarded)
	}
	card, _ := eng.UserProgress(ctx, "u1")
	if card.TotalPoints != def.PointValue {
		t.Fatalf("double credit observed: %d", card.TotalPoints)
	}
}

func TestClaimRequiresEarned(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	def, _ := eng.catalog.Get("task_master")
	if _, _, err := store.IncrementProgress(ctx, def, "u1", def.MaxProgress-1); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ClaimAchievement(ctx, "u1", def.ID); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if _, err := eng.ClaimAchievement(ctx, "u1", "no_such_achievement"); !errors.Is(err, ErrUnknownAchievement) {
		t.Fatalf("expected ErrUnknownAchievement, got %v", err)
	}
}

func TestProgressClampAndSingleEarnTransition(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	def, _ := eng.catalog.Get("helping_hand") // max 10
	if _, _, err := store.IncrementProgress(ctx, def, "u1", 9); err != nil {
		t.Fatal(err)
	}
	prog, earnedNow, err := store.IncrementProgress(ctx, def, "u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if prog.Progress != 10 || !prog.Earned || !earnedNow {
		t.Fatalf("expected earned transition at max: %+v earnedNow=%v", prog, earnedNow)
	}

	prog, earnedNow, err = store.IncrementProgress(ctx, def, "u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if prog.Progress != 10 || earnedNow {
		t.Fatalf("expected clamp without second transition: %+v earnedNow=%v", prog, earnedNow)
	}
}

func TestRecordActionFlow(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.RecordAction(ctx, "u1", ActionSymptomLogged, time.Now(), "key-1", map[string]string{"severity": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Fatal("first delivery must not replay")
	}
	if res.PointsAwarded != 5 || res.Card.TotalPoints != 5 {
		t.Fatalf("unexpected credit: awarded=%d total=%d", res.PointsAwarded, res.Card.TotalPoints)
	}
	if res.Streak == nil || res.Streak.Current != 1 || res.Streak.Type != StreakDailyLog {
		t.Fatalf("unexpected streak: %+v", res.Streak)
	}
	if len(res.NewlyEarned) != 1 || res.NewlyEarned[0].ID != "first_log" {
		t.Fatalf("expected first_log earned, got %+v", res.NewlyEarned)
	}
	if res.Card.Categories[CategoryResearch] != 5 {
		t.Fatalf("category sub-score not updated: %+v", res.Card.Categories)
	}
}

func TestRecordActionIdempotentReplay(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.RecordAction(ctx, "u1", ActionTaskCompleted, time.Now(), "retry-key", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.RecordAction(ctx, "u1", ActionTaskCompleted, time.Now(), "retry-key", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Fatal("expected replay on duplicate idempotency key")
	}
	if second.Event.ID != first.Event.ID {
		t.Fatalf("replay returned a different event: %s != %s", second.Event.ID, first.Event.ID)
	}
	if second.Card.TotalPoints != first.Card.TotalPoints {
		t.Fatalf("replay changed the total: %d != %d", second.Card.TotalPoints, first.Card.TotalPoints)
	}
}

func TestRecordActionStaleActivityDropped(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if _, err := eng.RecordAction(ctx, "u1", ActionSymptomLogged, day, "k1", nil); err != nil {
		t.Fatal(err)
	}
	// Delivery from two days earlier: streak untouched, points still credited.
	res, err := eng.RecordAction(ctx, "u1", ActionSymptomLogged, day.AddDate(0, 0, -2), "k2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Streak != nil {
		t.Fatalf("stale activity must not mutate the streak: %+v", res.Streak)
	}
	streaks, _ := eng.Streaks(ctx, "u1")
	if len(streaks) != 1 || streaks[0].Current != 1 || !streaks[0].LastActiveDate.Equal(Day(day)) {
		t.Fatalf("streak mutated by stale event: %+v", streaks)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.RecordAction(context.Background(), "u1", "105_keyboard_smash", time.Now(), "", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestStreakAchievementFollowsStreak(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	var earned []string
	for i := 0; i < 7; i++ {
		res, err := eng.RecordAction(ctx, "u1", ActionJournalEntry, start.AddDate(0, 0, i), "", nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, def := range res.NewlyEarned {
			earned = append(earned, def.ID)
		}
	}
	if len(earned) != 1 || earned[0] != "consistent_week" {
		t.Fatalf("expected consistent_week after 7 consecutive days, got %v", earned)
	}

	// Break the streak; the achievement stays earned and does not advance
	// consistent_month from non-consecutive days.
	res, err := eng.RecordAction(ctx, "u1", ActionJournalEntry, start.AddDate(0, 0, 10), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Streak.Current != 1 {
		t.Fatalf("expected reset streak, got %d", res.Streak.Current)
	}
	statuses, _ := eng.Achievements(ctx, "u1")
	for _, st := range statuses {
		if st.ID == "consistent_week" && !st.Earned {
			t.Fatal("earned achievement reverted")
		}
		if st.ID == "consistent_month" && st.Progress != 7 {
			t.Fatalf("consistent_month progress should hold at longest run, got %d", st.Progress)
		}
	}
}

func TestAchievementsJoinIncludesUnstarted(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	statuses, err := eng.Achievements(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != len(eng.Definitions()) {
		t.Fatalf("expected every definition in the join, got %d of %d", len(statuses), len(eng.Definitions()))
	}
	for _, st := range statuses {
		if st.Progress != 0 || st.Earned || st.Claimed {
			t.Fatalf("fresh user should have zero progress: %+v", st)
		}
	}
}

func TestVoidActionHidesEvent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.RecordAction(ctx, "u1", ActionPostCreated, time.Now(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.VoidAction(ctx, res.Event.ID); err != nil {
		t.Fatal(err)
	}
	events, err := eng.ListActions(ctx, "u1", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("voided event still listed: %+v", events)
	}
	if err := eng.VoidAction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
