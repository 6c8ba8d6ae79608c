// Package progress tracks the live position and tallies of an extraction run.
package progress

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the run's progress.
type Snapshot struct {
	RunID                  string    `json:"run_id"`
	StartedAt              time.Time `json:"started_at"`
	CurrentJurisdiction    string    `json:"current_jurisdiction"`
	CurrentProjectType     string    `json:"current_project_type"`
	CurrentOffset          int       `json:"current_offset"`
	JurisdictionsCompleted int       `json:"jurisdictions_completed"`
	JurisdictionsSkipped   int       `json:"jurisdictions_skipped"`
	TypesAborted           int       `json:"types_aborted"`
	RecordsExtracted       int64     `json:"records_extracted"`
	LastUpdate             time.Time `json:"last_update"`
}

// Tracker accumulates progress under a mutex so the status server can
// read while the orchestrator writes.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

// New returns a tracker stamping updates with the given clock.
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// StartRun records the run identity and start time.
func (t *Tracker) StartRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RunID = runID
	t.snap.StartedAt = t.now()
	t.snap.LastUpdate = t.snap.StartedAt
}

// SetPosition records where the run currently is.
func (t *Tracker) SetPosition(jurisdiction, projectType string, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.CurrentJurisdiction = jurisdiction
	t.snap.CurrentProjectType = projectType
	t.snap.CurrentOffset = offset
	t.snap.LastUpdate = t.now()
}

// AddRecords adds to the extracted-record tally.
func (t *Tracker) AddRecords(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RecordsExtracted += int64(n)
	t.snap.LastUpdate = t.now()
}

// JurisdictionCompleted notes one jurisdiction finished this run.
func (t *Tracker) JurisdictionCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.JurisdictionsCompleted++
	t.snap.LastUpdate = t.now()
}

// JurisdictionSkipped notes one jurisdiction already done at startup.
func (t *Tracker) JurisdictionSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.JurisdictionsSkipped++
	t.snap.LastUpdate = t.now()
}

// TypeAborted notes one project type given up after repeated page failures.
func (t *Tracker) TypeAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.TypesAborted++
	t.snap.LastUpdate = t.now()
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
