package indexstore

import "time"

// Build represents a single indexed build in the database.
type Build struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	BuildID     string    `gorm:"not null;uniqueIndex" json:"build_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `gorm:"index" json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Host        string    `json:"host,omitempty"`

	// Denormalized test stats.
	TestsTotal   int `json:"tests_total"`
	TestsPassed  int `json:"tests_passed"`
	TestsFailed  int `json:"tests_failed"`
	TestsSkipped int `json:"tests_skipped"`
	TestsRunning int `json:"tests_running"`

	Runs      int `json:"runs"`
	Events    int `json:"events"`
	Anomalies int `json:"anomalies"`

	IndexedAt time.Time `json:"indexed_at"`
}
