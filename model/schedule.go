package model

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
)

// Schedule runs the named background job periodically.
type Schedule struct {
	ID        string       `json:"id"`
	Job       string       `json:"job"`
	Enabled   bool         `json:"enabled"`
	Type      ScheduleType `json:"type"`
	Every     string       `json:"every,omitempty"`       // Go duration, e.g. "1h"
	TimeOfDay string       `json:"time_of_day,omitempty"` // "HH:MM" local time
}
