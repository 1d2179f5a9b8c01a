package app

import "time"

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	AssignmentStrategy() string
	DefaultDailyLimit() int
	AutoAssign() bool
	ReassignOnDeactivate() bool
	Today(t time.Time) string
	Location() *time.Location
	HistoryRetentionDays() int
	HistoryMax() int
	SignalFilePath() string
}
