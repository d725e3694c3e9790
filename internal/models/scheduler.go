package models

import "time"

// SchedulerStatus is a snapshot of the refresh scheduler.
type SchedulerStatus struct {
	Started       bool       `json:"started"`
	Interval      string     `json:"interval"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	ActiveSources []string   `json:"active_sources"`
}
