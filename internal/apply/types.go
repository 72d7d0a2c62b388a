// Package apply defines the core types shared by the application pipeline.
package apply

import (
	"time"
)

// WorkItem is a single job posting offered by a job source.
type WorkItem struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Organization string            `json:"organization"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Outcome is the terminal classification of one application attempt.
type Outcome string

// Outcome values recorded in the ledger.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeAlreadyProcessed, OutcomeTransientFailure, OutcomePermanentFailure:
		return true
	default:
		return false
	}
}

// ApplicationResult is an immutable record of an application attempt.
type ApplicationResult struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	WorkerID   string    `json:"worker_id"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LostClaim reports whether r only notes that another worker held the claim.
// Such results say nothing about the item itself.
func (r ApplicationResult) LostClaim() bool {
	return r.Outcome == OutcomeAlreadyProcessed && r.Attempts == 0
}

// ApplyStatus is the non-error response of a job source apply call.
type ApplyStatus string

// Apply statuses returned by a Source.
const (
	ApplySuccess         ApplyStatus = "success"
	ApplyAlreadyApplied  ApplyStatus = "already_applied"
	ApplyValidationError ApplyStatus = "validation_error"
)

// WorkerStatus describes what a worker is currently doing.
type WorkerStatus string

// Worker lifecycle states.
const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerFetching WorkerStatus = "fetching"
	WorkerApplying WorkerStatus = "applying"
	WorkerBackoff  WorkerStatus = "backoff"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerState is a read-only snapshot of a worker.
type WorkerState struct {
	WorkerID              string       `json:"worker_id"`
	StartedAt             time.Time    `json:"started_at"`
	ApplicationsThisCycle int          `json:"applications_this_cycle"`
	ApplicationsTotal     int          `json:"applications_total"`
	Cycle                 int          `json:"cycle"`
	Status                WorkerStatus `json:"status"`
	LastError             string       `json:"last_error,omitempty"`
}

// Credentials authenticate a worker against a job source.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is an authenticated handle returned by a Source.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now, allowing skew.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// HealthStatus is the result of a liveness or health probe.
type HealthStatus struct {
	Up     bool   `json:"up"`
	Detail string `json:"detail,omitempty"`
}
