package engine

// Rule describes what one action type is worth: direct points (with a
// leaderboard category), the streak it feeds, and achievement counters it
// advances. Values are configuration on the engine, not hard-coded logic.
type Rule struct {
	Points       int64
	Category     Category
	Streak       StreakType
	Achievements map[string]int
}

// Rules routes action types to their effects.
type Rules struct {
	Actions map[ActionType]Rule
	// Targets sets the milestone shown on each streak record.
	Targets map[StreakType]int
	// StreakAchievements lists achievements whose progress mirrors the
	// current streak length. They advance by max-merge, not by adding,
	// so a reset streak does not keep counting toward them.
	StreakAchievements map[StreakType][]string
}

// DefaultRules mirrors the production point values.
func DefaultRules() Rules {
	return Rules{
		Actions: map[ActionType]Rule{
			ActionTaskCompleted: {Points: 10, Streak: StreakTaskCompletion,
				Achievements: map[string]int{"task_master": 1, "pathfinder": 1}},
			ActionSymptomLogged: {Points: 5, Category: CategoryResearch, Streak: StreakDailyLog,
				Achievements: map[string]int{"first_log": 1, "symptom_scholar": 1}},
			ActionJournalEntry: {Points: 5, Category: CategoryKnowledge, Streak: StreakDailyLog},
			ActionPostCreated: {Points: 15, Category: CategorySupport, Streak: StreakCommunity,
				Achievements: map[string]int{"first_post": 1}},
			ActionHelpfulReply: {Points: 15, Category: CategorySupport, Streak: StreakCommunity,
				Achievements: map[string]int{"helping_hand": 1, "community_pillar": 1}},
			ActionMentorSession: {Points: 25, Category: CategoryMentoring,
				Achievements: map[string]int{"mentor_in_the_making": 1}},
			ActionStudyShared: {Points: 20, Category: CategoryResearch,
				Achievements: map[string]int{"research_ally": 1}},
		},
		Targets: map[StreakType]int{
			StreakDailyLog:       7,
			StreakTaskCompletion: 7,
			StreakCommunity:      3,
		},
		StreakAchievements: map[StreakType][]string{
			StreakDailyLog: {"consistent_week", "consistent_month"},
		},
	}
}
