package models

// MigrateModels lists every table owned by this service, in AutoMigrate order.
var MigrateModels = []interface{}{
	&Match{},
	&MatchParticipant{},
	&MatchSurvey{},
	&RatingAdjustment{},
	&RecoveryStreakState{},
	&StreakStep{},
	&PlayerProfile{},
}
