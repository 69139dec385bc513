package engine

import (
	"errors"
	"time"
)

// LevelSize is the number of points per level. Level math lives here and
// nowhere else; every mutation recomputes the derived fields from the total.
const LevelSize = 200

// ActionType identifies a point-worthy user action reported by an external
// subsystem (tasks, symptom tracking, community).
type ActionType string

const (
	ActionTaskCompleted ActionType = "task_completed"
	ActionSymptomLogged ActionType = "symptom_logged"
	ActionJournalEntry  ActionType = "journal_entry"
	ActionPostCreated   ActionType = "post_created"
	ActionHelpfulReply  ActionType = "helpful_reply"
	ActionMentorSession ActionType = "mentor_session"
	ActionStudyShared   ActionType = "study_shared"
)

// Category tags a point credit for leaderboard sub-scores.
type Category string

const (
	CategoryNone      Category = ""
	CategoryResearch  Category = "research"
	CategorySupport   Category = "support"
	CategoryKnowledge Category = "knowledge"
	CategoryMentoring Category = "mentoring"
)

// StreakType identifies an independent consecutive-day counter.
type StreakType string

const (
	StreakDailyLog       StreakType = "daily_log"
	StreakTaskCompletion StreakType = "task_completion"
	StreakCommunity      StreakType = "community"
)

// Rarity classifies achievement definitions.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// ActionEvent is one append-only record in the action log. Events are never
// mutated or deleted; corrections flip the Voided flag only.
type ActionEvent struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ActionType     ActionType        `json:"action_type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Voided         bool              `json:"voided,omitempty"`
}

// ScoreCard is the authoritative per-user point state. Only CreditPoints
// mutates it; Level and ProgressToNext are always derived from TotalPoints.
type ScoreCard struct {
	UserID         string             `json:"user_id"`
	TotalPoints    int64              `json:"total_points"`
	Level          int                `json:"level"`
	ProgressToNext int64              `json:"progress_to_next_level"`
	JoinedAt       time.Time          `json:"joined_at"`
	Categories     map[Category]int64 `json:"category_points,omitempty"`
}

// StreakRecord tracks consecutive calendar days per user and streak type.
// Invariant: Longest >= Current.
type StreakRecord struct {
	UserID         string     `json:"user_id"`
	Type           StreakType `json:"streak_type"`
	Current        int        `json:"current"`
	Longest        int        `json:"longest"`
	LastActiveDate time.Time  `json:"last_active_date"`
	Target         int        `json:"target"`
}

// AchievementDefinition is a static catalog entry, read-only at runtime.
type AchievementDefinition struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
	MaxProgress int    `json:"max_progress"`
	PointValue  int64  `json:"point_value"`
	Rarity      Rarity `json:"rarity"`
}

// AchievementProgress is the per-user counter against one definition.
// Invariants: Earned == (Progress >= MaxProgress); Claimed implies Earned;
// Claimed is never unset once true.
type AchievementProgress struct {
	UserID        string     `json:"user_id"`
	AchievementID string     `json:"achievement_id"`
	Progress      int        `json:"progress"`
	Earned        bool       `json:"earned"`
	Claimed       bool       `json:"claimed"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

// AchievementStatus joins a definition with the user's progress for the UI.
type AchievementStatus struct {
	AchievementDefinition
	Progress  int        `json:"progress"`
	Earned    bool       `json:"earned"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ClaimResult reports the outcome of a claim. AlreadyClaimed is a success
// state, not an error: retried claims observe it instead of double-crediting.
type ClaimResult struct {
	AchievementID  string `json:"achievement_id"`
	PointsAwarded  int64  `json:"points_awarded"`
	AlreadyClaimed bool   `json:"already_claimed"`
}

// ActionResult summarizes everything one reported action changed.
type ActionResult struct {
	Event         ActionEvent             `json:"event"`
	Replayed      bool                    `json:"replayed"`
	PointsAwarded int64                   `json:"points_awarded"`
	Card          ScoreCard               `json:"score_card"`
	Streak        *StreakRecord           `json:"streak,omitempty"`
	NewlyEarned   []AchievementDefinition `json:"newly_earned,omitempty"`
}

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("invalid amount (must be > 0)")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotEligible        = errors.New("achievement not yet earned")
	ErrStaleEvent         = errors.New("activity predates last recorded activity")
	ErrUnknownAction      = errors.New("unknown action type")
	ErrUnknownAchievement = errors.New("unknown achievement")
	ErrUnavailable        = errors.New("storage unavailable")
)

// LevelFor derives the level fields from a point total.
func LevelFor(total int64) (level int, progressToNext int64) {
	return int(total/LevelSize) + 1, total % LevelSize
}

// Day truncates a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func newCard(userID string, joined time.Time) ScoreCard {
	level, progress := LevelFor(0)
	return ScoreCard{
		UserID:         userID,
		Level:          level,
		ProgressToNext: progress,
		JoinedAt:       joined,
		Categories:     map[Category]int64{},
	}
}

func isNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func isStale(err error) bool       { return errors.Is(err, ErrStaleEvent) }
func isNotEligible(err error) bool { return errors.Is(err, ErrNotEligible) }
