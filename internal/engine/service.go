package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pathwell.org/internal/ids"
	"pathwell.org/internal/obs"
)

// Store is the persistence contract the engine requires. Implementations must
// serialize mutations per entity (one user's card, one streak record, one
// progress row); no cross-user coordination is expected. Claim must check and
// set the claimed flag in the same transaction that credits the points.
type Store interface {
	// AppendAction stores an event, replaying by idempotency key. The bool
	// reports a replay, in which case the previously stored event returns.
	AppendAction(ctx context.Context, ev ActionEvent) (ActionEvent, bool, error)
	// VoidAction soft-voids an event. The log itself is append-only.
	VoidAction(ctx context.Context, eventID string) error
	ListActions(ctx context.Context, userID string, actionType ActionType, since time.Time) ([]ActionEvent, error)

	// RecordActivity applies one qualifying day to the streak record,
	// creating it on first use. The bool reports a gap reset.
	RecordActivity(ctx context.Context, userID string, st StreakType, day time.Time, target int) (StreakRecord, bool, error)

	// IncrementProgress atomically adds delta (clamped to the definition's
	// cap); RaiseProgress max-merges a floor instead. The bool reports the
	// one-way earned transition.
	IncrementProgress(ctx context.Context, def AchievementDefinition, userID string, delta int) (AchievementProgress, bool, error)
	RaiseProgress(ctx context.Context, def AchievementDefinition, userID string, floor int) (AchievementProgress, bool, error)

	// Claim converts an earned achievement into points exactly once.
	Claim(ctx context.Context, def AchievementDefinition, userID string) (ClaimResult, error)
	// CreditPoints adds a positive amount to the user's card, tagging the
	// category sub-score, and returns the card with level fields recomputed.
	CreditPoints(ctx context.Context, userID string, amount int64, cat Category) (ScoreCard, error)

	ScoreCard(ctx context.Context, userID string) (ScoreCard, error)
	Streaks(ctx context.Context, userID string) ([]StreakRecord, error)
	Progress(ctx context.Context, userID string) ([]AchievementProgress, error)

	// Leaderboard inputs; slightly stale reads are fine.
	ScoreCards(ctx context.Context) ([]ScoreCard, error)
	AllStreaks(ctx context.Context) ([]StreakRecord, error)
}

// Notification is pushed to subscribers (SSE clients) so the UI can reconcile
// its optimistic state with what the engine actually committed.
type Notification struct {
	Kind          string    `json:"kind"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id,omitempty"`
	Points        int64     `json:"points,omitempty"`
	Level         int       `json:"level,omitempty"`
	At            time.Time `json:"at"`
}

const (
	NoteAchievementEarned  = "achievement_earned"
	NoteAchievementClaimed = "achievement_claimed"
	NotePointsCredited     = "points_credited"
	NoteLevelUp            = "level_up"
)

// Notifier receives engine notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Engine wires the action log, streak tracker, achievement registry, score
// ledger and claim coordination on top of a Store.
type Engine struct {
	store    Store
	catalog  *Catalog
	rules    Rules
	weights  Weights
	notifier Notifier
	now      func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithCatalog replaces the default achievement catalog.
func WithCatalog(c *Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithRules replaces the default action routing table.
func WithRules(r Rules) Option { return func(e *Engine) { e.rules = r } }

// WithWeights replaces the leaderboard weight blend.
func WithWeights(w Weights) Option { return func(e *Engine) { e.weights = w } }

// WithNotifier attaches a notification sink.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine and validates that every achievement the rules
// reference exists in the catalog.
func New(store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:   store,
		catalog: DefaultCatalog(),
		rules:   DefaultRules(),
		weights: DefaultWeights(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for at, rule := range e.rules.Actions {
		for id := range rule.Achievements {
			if _, ok := e.catalog.Get(id); !ok {
				return nil, fmt.Errorf("rule %s references unknown achievement %q", at, id)
			}
		}
	}
	for st, achs := range e.rules.StreakAchievements {
		for _, id := range achs {
			if _, ok := e.catalog.Get(id); !ok {
				return nil, fmt.Errorf("streak %s references unknown achievement %q", st, id)
			}
		}
	}
	return e, nil
}

// Definitions returns the static catalog.
func (e *Engine) Definitions() []AchievementDefinition {
	return e.catalog.List()
}

// RecordAction is the single entry point for reported actions: append to the
// log, advance the streak, bump achievement counters, credit direct points.
// A replayed idempotency key returns the stored event and applies nothing
// further; the caller already got its effects on the first delivery.
func (e *Engine) RecordAction(ctx context.Context, userID string, at ActionType, occurredAt time.Time, idemKey string, meta map[string]string) (ActionResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ActionResult{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	rule, ok := e.rules.Actions[at]
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, at)
	}
	if occurredAt.IsZero() {
		occurredAt = e.now()
	}

	ev := ActionEvent{
		ID:             ids.New(),
		UserID:         userID,
		ActionType:     at,
		OccurredAt:     occurredAt.UTC(),
		Metadata:       meta,
		IdempotencyKey: strings.TrimSpace(idemKey),
	}
	stored, replayed, err := e.store.AppendAction(ctx, ev)
	if err != nil {
		return ActionResult{}, err
	}
	obs.ObserveAction(string(at), replayed)
	if replayed {
		card, err := e.UserProgress(ctx, userID)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Event: stored, Replayed: true, Card: card}, nil
	}

	res := ActionResult{Event: stored}

	if rule.Streak != "" {
		rec, reset, err := e.store.RecordActivity(ctx, userID, rule.Streak, Day(stored.OccurredAt), e.rules.Targets[rule.Streak])
		switch {
		case err == nil:
			res.Streak = &rec
			if reset {
				obs.ObserveStreakReset()
			}
			if err := e.raiseStreakAchievements(ctx, userID, rule.Streak, rec.Current, &res); err != nil {
				return ActionResult{}, err
			}
		case isStale(err):
			// Out-of-order delivery: logged and dropped, never retried.
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "stale_activity_dropped",
				"user_id": userID, "streak_type": rule.Streak,
				"occurred_at": stored.OccurredAt.Format(time.RFC3339),
			})
		default:
			return ActionResult{}, err
		}
	}

	for _, id := range sortedKeys(rule.Achievements) {
		def, _ := e.catalog.Get(id)
		_, earnedNow, err := e.store.IncrementProgress(ctx, def, userID, rule.Achievements[id])
		if err != nil {
			return ActionResult{}, err
		}
		if earnedNow {
			res.NewlyEarned = append(res.NewlyEarned, def)
			e.notify(Notification{Kind: NoteAchievementEarned, UserID: userID, AchievementID: def.ID, Points: def.PointValue, At: e.now().UTC()})
		}
	}

	if rule.Points > 0 {
		card, err := e.store.CreditPoints(ctx, userID, rule.Points, rule.Category)
		if err != nil {
			return ActionResult{}, err
		}
		obs.ObserveCredit(string(rule.Category), rule.Points)
		res.PointsAwarded = rule.Points
		res.Card = card
		if before, _ := LevelFor(card.TotalPoints - rule.Points); before != card.Level {
			e.notify(Notification{Kind: NoteLevelUp, UserID: userID, Level: card.Level, At: e.now().UTC()})
		}
	} else {
		card, err := e.UserProgress(ctx, userID)
		if err != nil {
			return ActionResult{}, err
		}
		res.Card = card
	}
	return res, nil
}

func (e *Engine) raiseStreakAchievements(ctx context.Context, userID string, st StreakType, current int, res *ActionResult) error {
	for _, id := range e.rules.StreakAchievements[st] {
		def, _ := e.catalog.Get(id)
		_, earnedNow, err := e.store.RaiseProgress(ctx, def, userID, current)
		if err != nil {
			return err
		}
		if earnedNow {
			res.NewlyEarned = append(res.NewlyEarned, def)
			e.notify(Notification{Kind: NoteAchievementEarned, UserID: userID, AchievementID: def.ID, Points: def.PointValue, At: e.now().UTC()})
		}
	}
	return nil
}

// VoidAction soft-voids a logged event. Points already credited stay put;
// corrections are an admin concern outside the engine.
func (e *Engine) VoidAction(ctx context.Context, eventID string) error {
	return e.store.VoidAction(ctx, eventID)
}

// ListActions exposes the action log for one user.
func (e *Engine) ListActions(ctx context.Context, userID string, actionType ActionType, since time.Time) ([]ActionEvent, error) {
	return e.store.ListActions(ctx, userID, actionType, since)
}

// UserProgress returns the user's score card. Users without any recorded
// action read as a fresh level-1 card.
func (e *Engine) UserProgress(ctx context.Context, userID string) (ScoreCard, error) {
	card, err := e.store.ScoreCard(ctx, userID)
	if isNotFound(err) {
		return newCard(userID, time.Time{}), nil
	}
	return card, err
}

// Streaks returns all streak records for the user.
func (e *Engine) Streaks(ctx context.Context, userID string) ([]StreakRecord, error) {
	return e.store.Streaks(ctx, userID)
}

// Achievements joins the catalog with the user's progress, including
// definitions the user has not started.
func (e *Engine) Achievements(ctx context.Context, userID string) ([]AchievementStatus, error) {
	progress, err := e.store.Progress(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]AchievementProgress, len(progress))
	for _, p := range progress {
		byID[p.AchievementID] = p
	}
	defs := e.catalog.List()
	out := make([]AchievementStatus, 0, len(defs))
	for _, def := range defs {
		st := AchievementStatus{AchievementDefinition: def}
		if p, ok := byID[def.ID]; ok {
			st.Progress = p.Progress
			st.Earned = p.Earned
			st.Claimed = p.Claimed
			st.ClaimedAt = p.ClaimedAt
		}
		out = append(out, st)
	}
	return out, nil
}

// ClaimAchievement credits an earned achievement exactly once. Calling it
// again (or concurrently) reports AlreadyClaimed with zero points.
func (e *Engine) ClaimAchievement(ctx context.Context, userID, achievementID string) (ClaimResult, error) {
	def, ok := e.catalog.Get(achievementID)
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %q", ErrUnknownAchievement, achievementID)
	}
	res, err := e.store.Claim(ctx, def, userID)
	if err != nil {
		if isNotEligible(err) {
			obs.ObserveClaim("rejected")
		}
		return ClaimResult{}, err
	}
	if res.AlreadyClaimed {
		obs.ObserveClaim("replayed")
		return res, nil
	}
	obs.ObserveClaim("awarded")
	obs.ObserveCredit(string(CategoryNone), res.PointsAwarded)
	e.notify(Notification{Kind: NoteAchievementClaimed, UserID: userID, AchievementID: def.ID, Points: res.PointsAwarded, At: e.now().UTC()})
	return res, nil
}

// CreditPoints credits direct points outside any action rule.
func (e *Engine) CreditPoints(ctx context.Context, userID string, amount int64, cat Category) (ScoreCard, error) {
	card, err := e.store.CreditPoints(ctx, userID, amount, cat)
	if err != nil {
		return ScoreCard{}, err
	}
	obs.ObserveCredit(string(cat), amount)
	e.notify(Notification{Kind: NotePointsCredited, UserID: userID, Points: amount, Level: card.Level, At: e.now().UTC()})
	return card, nil
}

// Leaderboard derives a ranked snapshot from the score cards and streaks.
func (e *Engine) Leaderboard(ctx context.Context, window Window, limit int) ([]LeaderboardEntry, error) {
	cards, err := e.store.ScoreCards(ctx)
	if err != nil {
		return nil, err
	}
	streaks, err := e.store.AllStreaks(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeLeaderboard(cards, streaks, e.weights, window, limit, e.now()), nil
}

func (e *Engine) notify(n Notification) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
