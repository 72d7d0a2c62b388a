package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageWorkerStart Stage = "WORKER_START"
	StageCycleStart  Stage = "CYCLE_START"
	StageApplyDone   Stage = "APPLY_DONE"
	StageWorkerExit  Stage = "WORKER_EXIT"
	StageDependent   Stage = "DEPENDENT_STATE"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the orchestrator run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// WorkerID is set for worker stages.
	WorkerID string
	// Cycle is the worker cycle number, starting at 1.
	Cycle int
	// Result is set for APPLY_DONE.
	Result *apply.ApplicationResult
	// Dependent and State are set for DEPENDENT_STATE.
	Dependent string
	State     string
	// Dur is the apply latency or the worker lifetime on exit.
	Dur time.Duration
	// Note carries low-volume context such as an exit reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageWorkerStart, StageCycleStart, StageWorkerExit:
		if e.WorkerID == "" {
			return fmt.Errorf("%s requires worker id", e.Stage)
		}
	case StageApplyDone:
		if e.Result == nil {
			return errors.New("apply done requires result")
		}
	case StageDependent:
		if e.Dependent == "" || e.State == "" {
			return errors.New("dependent state requires dependent and state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
