package engine

import "time"

// NewStreak initializes the record for a user's first qualifying activity.
func NewStreak(userID string, st StreakType, day time.Time, target int) StreakRecord {
	return StreakRecord{
		UserID:         userID,
		Type:           st,
		Current:        1,
		Longest:        1,
		LastActiveDate: Day(day),
		Target:         target,
	}
}

// AdvanceStreak applies one qualifying activity day to an existing record.
// The returned bool reports whether the streak was reset after a gap.
// Same-day activity is a no-op, so repeated reports within one calendar day
// leave the record untouched. Activity older than the last recorded day is
// rejected with ErrStaleEvent and must not mutate anything.
//
// Both store implementations run this under their per-record lock, so the
// read-advance-write cycle is serialized per (user, streak type).
func AdvanceStreak(rec StreakRecord, day time.Time) (StreakRecord, bool, error) {
	day = Day(day)
	last := Day(rec.LastActiveDate)

	gap := int(day.Sub(last).Hours() / 24)
	switch {
	case gap < 0:
		return rec, false, ErrStaleEvent
	case gap == 0:
		return rec, false, nil
	case gap == 1:
		rec.Current++
		if rec.Current > rec.Longest {
			rec.Longest = rec.Current
		}
		rec.LastActiveDate = day
		return rec, false, nil
	default:
		rec.Current = 1
		if rec.Longest < 1 {
			rec.Longest = 1
		}
		rec.LastActiveDate = day
		return rec, true, nil
	}
}

// ApplyProgress clamps a delta into [0, MaxProgress] and flips Earned when the
// target is reached. The returned bool is true only on the false->true earned
// transition; repeated increments at the cap report false.
func ApplyProgress(def AchievementDefinition, prog AchievementProgress, delta int) (AchievementProgress, bool) {
	next := prog.Progress + delta
	if next > def.MaxProgress {
		next = def.MaxProgress
	}
	if next < 0 {
		next = 0
	}
	prog.Progress = next

	earnedNow := false
	if !prog.Earned && next >= def.MaxProgress {
		prog.Earned = true
		earnedNow = true
	}
	return prog, earnedNow
}

// ApplyProgressFloor raises progress to at least floor (clamped to the
// definition's cap). Max-merge is commutative and idempotent, which makes it
// safe for concurrent streak-driven updates. The bool reports the earned
// transition, as in ApplyProgress.
func ApplyProgressFloor(def AchievementDefinition, prog AchievementProgress, floor int) (AchievementProgress, bool) {
	if floor > def.MaxProgress {
		floor = def.MaxProgress
	}
	if floor <= prog.Progress {
		return prog, false
	}
	prog.Progress = floor

	earnedNow := false
	if !prog.Earned && floor >= def.MaxProgress {
		prog.Earned = true
		earnedNow = true
	}
	return prog, earnedNow
}
