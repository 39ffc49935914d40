package indexstore

// TestOutcome is the final state of one test of a build.
type TestOutcome struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	BuildID    string `gorm:"not null;index:idx_to_build_status" json:"build_id"`
	RunID      string `gorm:"not null" json:"run_id"`
	Seq        uint64 `json:"seq"`
	Suite      string `json:"suite,omitempty"`
	TestID     string `json:"test_id,omitempty"`
	TestName   string `json:"test_name,omitempty"`
	Status     string `gorm:"index:idx_to_build_status" json:"status"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Message    string `gorm:"type:text" json:"message,omitempty"`

	// Filtered stack trace serialized as JSON.
	StackJSON string `gorm:"type:text" json:"stack,omitempty"`
}
