package engine

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs
// development, tests and the smoke binary; production uses the Postgres store.
type InMemory struct {
	mu       sync.RWMutex
	events   []ActionEvent
	byID     map[string]int    // event id -> index in events
	idem     map[string]string // idempotency key -> event id
	cards    map[string]*ScoreCard
	streaks  map[string]map[StreakType]*StreakRecord
	progress map[string]map[string]*AchievementProgress
	now      func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]int),
		idem:     make(map[string]string),
		cards:    make(map[string]*ScoreCard),
		streaks:  make(map[string]map[StreakType]*StreakRecord),
		progress: make(map[string]map[string]*AchievementProgress),
		now:      time.Now,
	}
}

func (s *InMemory) AppendAction(ctx context.Context, ev ActionEvent) (ActionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if id, ok := s.idem[ev.IdempotencyKey]; ok {
			return s.events[s.byID[id]], true, nil
		}
	}
	s.byID[ev.ID] = len(s.events)
	s.events = append(s.events, ev)
	if ev.IdempotencyKey != "" {
		s.idem[ev.IdempotencyKey] = ev.ID
	}
	s.ensureCard(ev.UserID)
	return ev, false, nil
}

func (s *InMemory) VoidAction(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[eventID]
	if !ok {
		return ErrNotFound
	}
	s.events[i].Voided = true
	return nil
}

func (s *InMemory) ListActions(ctx context.Context, userID string, actionType ActionType, since time.Time) ([]ActionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ActionEvent
	for _, ev := range s.events {
		if ev.UserID != userID || ev.Voided {
			continue
		}
		if actionType != "" && ev.ActionType != actionType {
			continue
		}
		if !since.IsZero() && ev.OccurredAt.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *InMemory) RecordActivity(ctx context.Context, userID string, st StreakType, day time.Time, target int) (StreakRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.streaks[userID]
	if !ok {
		byType = make(map[StreakType]*StreakRecord)
		s.streaks[userID] = byType
	}
	rec, ok := byType[st]
	if !ok {
		fresh := NewStreak(userID, st, day, target)
		byType[st] = &fresh
		return fresh, false, nil
	}
	next, reset, err := AdvanceStreak(*rec, day)
	if err != nil {
		return StreakRecord{}, false, err
	}
	*rec = next
	return next, reset, nil
}

func (s *InMemory) IncrementProgress(ctx context.Context, def AchievementDefinition, userID string, delta int) (AchievementProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.ensureProgress(userID, def.ID)
	next, earnedNow := ApplyProgress(def, *prog, delta)
	*prog = next
	return next, earnedNow, nil
}

func (s *InMemory) RaiseProgress(ctx context.Context, def AchievementDefinition, userID string, floor int) (AchievementProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.ensureProgress(userID, def.ID)
	next, earnedNow := ApplyProgressFloor(def, *prog, floor)
	*prog = next
	return next, earnedNow, nil
}

func (s *InMemory) Claim(ctx context.Context, def AchievementDefinition, userID string) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.progress[userID]
	if !ok {
		return ClaimResult{}, ErrNotEligible
	}
	prog, ok := byID[def.ID]
	if !ok || !prog.Earned {
		return ClaimResult{}, ErrNotEligible
	}
	if prog.Claimed {
		return ClaimResult{AchievementID: def.ID, AlreadyClaimed: true}, nil
	}

	// The claimed flag and the credit commit under the same lock, so a
	// concurrent duplicate claim observes AlreadyClaimed, never a second
	// credit.
	now := s.now().UTC()
	prog.Claimed = true
	prog.ClaimedAt = &now
	s.credit(userID, def.PointValue, CategoryNone)

	return ClaimResult{AchievementID: def.ID, PointsAwarded: def.PointValue}, nil
}

func (s *InMemory) CreditPoints(ctx context.Context, userID string, amount int64, cat Category) (ScoreCard, error) {
	if amount <= 0 {
		return ScoreCard{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit(userID, amount, cat), nil
}

func (s *InMemory) ScoreCard(ctx context.Context, userID string) (ScoreCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[userID]
	if !ok {
		return ScoreCard{}, ErrNotFound
	}
	return copyCard(*card), nil
}

func (s *InMemory) Streaks(ctx context.Context, userID string) ([]StreakRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StreakRecord
	for _, rec := range s.streaks[userID] {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *InMemory) Progress(ctx context.Context, userID string) ([]AchievementProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AchievementProgress
	for _, prog := range s.progress[userID] {
		out = append(out, *prog)
	}
	return out, nil
}

func (s *InMemory) ScoreCards(ctx context.Context) ([]ScoreCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScoreCard, 0, len(s.cards))
	for _, card := range s.cards {
		out = append(out, copyCard(*card))
	}
	return out, nil
}

func (s *InMemory) AllStreaks(ctx context.Context) ([]StreakRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StreakRecord
	for _, byType := range s.streaks {
		for _, rec := range byType {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// --- helpers (callers hold the write lock) ---

func (s *InMemory) ensureCard(userID string) *ScoreCard {
	card, ok := s.cards[userID]
	if !ok {
		fresh := newCard(userID, s.now().UTC())
		card = &fresh
		s.cards[userID] = card
	}
	return card
}

func (s *InMemory) ensureProgress(userID, achievementID string) *AchievementProgress {
	byID, ok := s.progress[userID]
	if !ok {
		byID = make(map[string]*AchievementProgress)
		s.progress[userID] = byID
	}
	prog, ok := byID[achievementID]
	if !ok {
		prog = &AchievementProgress{UserID: userID, AchievementID: achievementID}
		byID[achievementID] = prog
	}
	return prog
}

func (s *InMemory) credit(userID string, amount int64, cat Category) ScoreCard {
	card := s.ensureCard(userID)
	card.TotalPoints += amount
	card.Level, card.ProgressToNext = LevelFor(card.TotalPoints)
	if cat != CategoryNone {
		card.Categories[cat] += amount
	}
	return copyCard(*card)
}

func copyCard(card ScoreCard) ScoreCard {
	cats := make(map[Category]int64, len(card.Categories))
	for k, v := range card.Categories {
		cats[k] = v
	}
	card.Categories = cats
	return card
}
