package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pathwell.org/internal/engine"
)

// Store is the Postgres-backed engine store. All per-entity mutations run in
// short transactions with row locks; nothing holds a lock across requests.
type Store struct {
	db *sql.DB
}

var _ engine.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) AppendAction(ctx context.Context, ev engine.ActionEvent) (engine.ActionEvent, bool, error) {
	meta, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return engine.ActionEvent{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.ActionEvent{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: a retried append returns the stored event untouched.
	if ev.IdempotencyKey != "" {
		stored, err := scanEvent(tx.QueryRowContext(ctx, `
			select id, user_id, action_type, occurred_at, metadata, coalesce(idempotency_key,''), voided
			from action_events where idempotency_key=$1
		`, ev.IdempotencyKey))
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return engine.ActionEvent{}, false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into action_events(id, user_id, action_type, occurred_at, metadata, idempotency_key)
		values ($1,$2,$3,$4,$5,nullif($6,''))
	`, ev.ID, ev.UserID, string(ev.ActionType), ev.OccurredAt, meta, ev.IdempotencyKey); err != nil {
		return engine.ActionEvent{}, false, err
	}

	// First action creates the score card; joined_at is the tie-breaker for
	// leaderboard ordering.
	if _, err := tx.ExecContext(ctx, `
		insert into score_cards(user_id) values ($1) on conflict do nothing
	`, ev.UserID); err != nil {
		return engine.ActionEvent{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return engine.ActionEvent{}, false, err
	}
	return ev, false, nil
}

func (s *Store) VoidAction(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `update action_events set voided=true where id=$1`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, userID string, actionType engine.ActionType, since time.Time) ([]engine.ActionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, action_type, occurred_at, metadata, coalesce(idempotency_key,''), voided
		from action_events
		where user_id=$1
		  and not voided
		  and ($2 = '' or action_type=$2)
		  and occurred_at >= $3
		order by id asc
	`, userID, string(actionType), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ActionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) RecordActivity(ctx context.Context, userID string, st engine.StreakType, day time.Time, target int) (engine.StreakRecord, bool, error) {
	day = engine.Day(day)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.StreakRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var rec engine.StreakRecord
	err = tx.QueryRowContext(ctx, `
		select user_id, streak_type, current, longest, last_active_date, target
		from streaks where user_id=$1 and streak_type=$2 for update
	`, userID, string(st)).Scan(&rec.UserID, &rec.Type, &rec.Current, &rec.Longest, &rec.LastActiveDate, &rec.Target)
	if errors.Is(err, sql.ErrNoRows) {
		rec = engine.NewStreak(userID, st, day, target)
		if _, err := tx.ExecContext(ctx, `
			insert into streaks(user_id, streak_type, current, longest, last_active_date, target)
			values ($1,$2,$3,$4,$5,$6)
		`, userID, string(st), rec.Current, rec.Longest, rec.LastActiveDate, rec.Target); err != nil {
			return engine.StreakRecord{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return engine.StreakRecord{}, false, err
		}
		return rec, false, nil
	}
	if err != nil {
		return engine.StreakRecord{}, false, err
	}

	next, reset, err := engine.AdvanceStreak(rec, day)
	if err != nil {
		return engine.StreakRecord{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		update streaks set current=$3, longest=$4, last_active_date=$5
		where user_id=$1 and streak_type=$2
	`, userID, string(st), next.Current, next.Longest, next.LastActiveDate); err != nil {
		return engine.StreakRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return engine.StreakRecord{}, false, err
	}
	return next, reset, nil
}

func (s *Store) IncrementProgress(ctx context.Context, def engine.AchievementDefinition, userID string, delta int) (engine.AchievementProgress, bool, error) {
	return s.updateProgress(ctx, def, userID, func(prog engine.AchievementProgress) (engine.AchievementProgress, bool) {
		return engine.ApplyProgress(def, prog, delta)
	})
}

func (s *Store) RaiseProgress(ctx context.Context, def engine.AchievementDefinition, userID string, floor int) (engine.AchievementProgress, bool, error) {
	return s.updateProgress(ctx, def, userID, func(prog engine.AchievementProgress) (engine.AchievementProgress, bool) {
		return engine.ApplyProgressFloor(def, prog, floor)
	})
}

// updateProgress serializes a read-apply-write cycle on one progress row.
// The row lock makes concurrent deltas additive instead of lost.
func (s *Store) updateProgress(ctx context.Context, def engine.AchievementDefinition, userID string, apply func(engine.AchievementProgress) (engine.AchievementProgress, bool)) (engine.AchievementProgress, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.AchievementProgress{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into achievement_progress(user_id, achievement_id) values ($1,$2)
		on conflict do nothing
	`, userID, def.ID); err != nil {
		return engine.AchievementProgress{}, false, err
	}

	prog, err := scanProgress(tx.QueryRowContext(ctx, `
		select user_id, achievement_id, progress, earned, claimed, claimed_at
		from achievement_progress where user_id=$1 and achievement_id=$2 for update
	`, userID, def.ID))
	if err != nil {
		return engine.AchievementProgress{}, false, err
	}

	next, earnedNow := apply(prog)
	if _, err := tx.ExecContext(ctx, `
		update achievement_progress set progress=$3, earned=$4
		where user_id=$1 and achievement_id=$2
	`, userID, def.ID, next.Progress, next.Earned); err != nil {
		return engine.AchievementProgress{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return engine.AchievementProgress{}, false, err
	}
	return next, earnedNow, nil
}

func (s *Store) Claim(ctx context.Context, def engine.AchievementDefinition, userID string) (engine.ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return engine.ClaimResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The claimed check and the point credit commit as one transaction;
	// this is the at-most-once guarantee for reward crediting.
	prog, err := scanProgress(tx.QueryRowContext(ctx, `
		select user_id, achievement_id, progress, earned, claimed, claimed_at
		from achievement_progress where user_id=$1 and achievement_id=$2 for update
	`, userID, def.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ClaimResult{}, engine.ErrNotEligible
	}
	if err != nil {
		return engine.ClaimResult{}, err
	}
	if !prog.Earned {
		return engine.ClaimResult{}, engine.ErrNotEligible
	}
	if prog.Claimed {
		return engine.ClaimResult{AchievementID: def.ID, AlreadyClaimed: true}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		update achievement_progress set claimed=true, claimed_at=now()
		where user_id=$1 and achievement_id=$2
	`, userID, def.ID); err != nil {
		return engine.ClaimResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into score_cards(user_id, total_points) values ($1,$2)
		on conflict (user_id) do update set total_points = score_cards.total_points + excluded.total_points
	`, userID, def.PointValue); err != nil {
		return engine.ClaimResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return engine.ClaimResult{}, err
	}
	return engine.ClaimResult{AchievementID: def.ID, PointsAwarded: def.PointValue}, nil
}

var categoryColumns = map[engine.Category]string{
	engine.CategoryResearch:  "research_points",
	engine.CategorySupport:   "support_points",
	engine.CategoryKnowledge: "knowledge_points",
	engine.CategoryMentoring: "mentoring_points",
}

func (s *Store) CreditPoints(ctx context.Context, userID string, amount int64, cat engine.Category) (engine.ScoreCard, error) {
	if amount <= 0 {
		return engine.ScoreCard{}, engine.ErrInvalidAmount
	}

	query := `
		insert into score_cards(user_id, total_points) values ($1,$2)
		on conflict (user_id) do update set total_points = score_cards.total_points + excluded.total_points
		returning user_id, total_points, joined_at, research_points, support_points, knowledge_points, mentoring_points`
	col, tagged := categoryColumns[cat]
	if tagged {
		query = `
		insert into score_cards(user_id, total_points, ` + col + `) values ($1,$2,$2)
		on conflict (user_id) do update set
			total_points = score_cards.total_points + excluded.total_points,
			` + col + ` = score_cards.` + col + ` + excluded.` + col + `
		returning user_id, total_points, joined_at, research_points, support_points, knowledge_points, mentoring_points`
	}

	card, err := scanCard(s.db.QueryRowContext(ctx, query, userID, amount))
	if err != nil {
		return engine.ScoreCard{}, err
	}
	return card, nil
}

func (s *Store) ScoreCard(ctx context.Context, userID string) (engine.ScoreCard, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `
		select user_id, total_points, joined_at, research_points, support_points, knowledge_points, mentoring_points
		from score_cards where user_id=$1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ScoreCard{}, engine.ErrNotFound
	}
	return card, err
}

func (s *Store) Streaks(ctx context.Context, userID string) ([]engine.StreakRecord, error) {
	return s.queryStreaks(ctx, `
		select user_id, streak_type, current, longest, last_active_date, target
		from streaks where user_id=$1 order by streak_type
	`, userID)
}

func (s *Store) AllStreaks(ctx context.Context) ([]engine.StreakRecord, error) {
	return s.queryStreaks(ctx, `
		select user_id, streak_type, current, longest, last_active_date, target
		from streaks
	`)
}

func (s *Store) queryStreaks(ctx context.Context, query string, args ...any) ([]engine.StreakRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.StreakRecord
	for rows.Next() {
		var rec engine.StreakRecord
		if err := rows.Scan(&rec.UserID, &rec.Type, &rec.Current, &rec.Longest, &rec.LastActiveDate, &rec.Target); err != nil {
			return nil, err
		}
		rec.LastActiveDate = engine.Day(rec.LastActiveDate)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Progress(ctx context.Context, userID string) ([]engine.AchievementProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, achievement_id, progress, earned, claimed, claimed_at
		from achievement_progress where user_id=$1 order by achievement_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.AchievementProgress
	for rows.Next() {
		prog, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prog)
	}
	return out, rows.Err()
}

func (s *Store) ScoreCards(ctx context.Context) ([]engine.ScoreCard, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, total_points, joined_at, research_points, support_points, knowledge_points, mentoring_points
		from score_cards order by total_points desc limit 500
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ScoreCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (engine.ActionEvent, error) {
	var ev engine.ActionEvent
	var meta []byte
	var at string
	if err := row.Scan(&ev.ID, &ev.UserID, &at, &ev.OccurredAt, &meta, &ev.IdempotencyKey, &ev.Voided); err != nil {
		return engine.ActionEvent{}, err
	}
	ev.ActionType = engine.ActionType(at)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return engine.ActionEvent{}, err
		}
	}
	return ev, nil
}

func scanProgress(row rowScanner) (engine.AchievementProgress, error) {
	var prog engine.AchievementProgress
	var claimedAt sql.NullTime
	if err := row.Scan(&prog.UserID, &prog.AchievementID, &prog.Progress, &prog.Earned, &prog.Claimed, &claimedAt); err != nil {
		return engine.AchievementProgress{}, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		prog.ClaimedAt = &t
	}
	return prog, nil
}

func scanCard(row rowScanner) (engine.ScoreCard, error) {
	var card engine.ScoreCard
	var research, support, knowledge, mentoring int64
	if err := row.Scan(&card.UserID, &card.TotalPoints, &card.JoinedAt, &research, &support, &knowledge, &mentoring); err != nil {
		return engine.ScoreCard{}, err
	}
	card.Level, card.ProgressToNext = engine.LevelFor(card.TotalPoints)
	card.Categories = map[engine.Category]int64{
		engine.CategoryResearch:  research,
		engine.CategorySupport:   support,
		engine.CategoryKnowledge: knowledge,
		engine.CategoryMentoring: mentoring,
	}
	return card, nil
}

func marshalMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}
