package runstore

import "time"

// Run is one indexed coverage run.
type Run struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"not null;uniqueIndex:idx_runs_run_id"`

	// Window bounds as unix seconds.
	Timestamp    int64 `gorm:"index"`
	TimestampEnd int64

	// Denormalized summary numbers so listings avoid loading reports.
	ServicesTotal   int
	ServicesCovered int
	MethodsTotal    int
	MethodsCovered  int

	ServiceCoveragePct float64
	MethodCoveragePct  float64

	// Per-service code coverage totals serialized as JSON.
	CodeCoverageJSON string `gorm:"type:text"`

	ReportPath string
	Uploaded   bool

	IndexedAt time.Time
}
