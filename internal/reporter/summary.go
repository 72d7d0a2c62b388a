// Package reporter renders periodic run summaries from read-only snapshots.
package reporter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/supervisor"
)

// Summary is one rendered view of a run.
type Summary struct {
	RunID                 string              `json:"run_id,omitempty"`
	StartedAt             time.Time           `json:"started_at"`
	GeneratedAt           time.Time           `json:"generated_at"`
	Elapsed               time.Duration       `json:"elapsed_ns"`
	Final                 bool                `json:"final,omitempty"`
	Ledger                ledger.Snapshot     `json:"ledger"`
	ApplicationsThisCycle int                 `json:"applications_this_cycle"`
	ApplicationsTotal     int                 `json:"applications_total"`
	SuccessRate           float64             `json:"success_rate"`
	ThroughputPerMinute   float64             `json:"throughput_per_minute"`
	ActiveWorkers         int                 `json:"active_workers"`
	TotalRestarts         int                 `json:"total_restarts"`
	PermanentlyFailed     []string            `json:"permanently_failed,omitempty"`
	Dependents            []supervisor.Record `json:"dependents"`
	Workers               []apply.WorkerState `json:"workers"`
}

// Analytics is the compact totals view served to dashboards.
type Analytics struct {
	SuccessfulApplications int     `json:"successful_applications"`
	TotalJobs              int     `json:"total_jobs"`
	SuccessRate            float64 `json:"success_rate"`
	AlreadyApplied         int     `json:"already_applied"`
	Failed                 int     `json:"failed"`
	RuntimeHours           float64 `json:"runtime_hours"`
}

// Report builds a Summary. It only reads its inputs.
func Report(snap ledger.Snapshot, deps []supervisor.Record, workers []apply.WorkerState, startedAt, now time.Time) Summary {
	s := Summary{
		StartedAt:   startedAt,
		GeneratedAt: now,
		Ledger:      snap,
		Dependents:  append([]supervisor.Record(nil), deps...),
		Workers:     append([]apply.WorkerState(nil), workers...),
	}
	if !startedAt.IsZero() && now.After(startedAt) {
		s.Elapsed = now.Sub(startedAt)
	}

	for _, w := range workers {
		s.ApplicationsThisCycle += w.ApplicationsThisCycle
		s.ApplicationsTotal += w.ApplicationsTotal
		if w.Status != apply.WorkerStopped {
			s.ActiveWorkers++
		}
	}
	if decided := snap.Successes + snap.Failures; decided > 0 {
		s.SuccessRate = float64(snap.Successes) / float64(decided)
	}
	if minutes := s.Elapsed.Minutes(); minutes > 0 {
		s.ThroughputPerMinute = float64(snap.Successes) / minutes
	}
	for _, d := range deps {
		s.TotalRestarts += d.RestartCount
		if d.State == supervisor.StatePermanentlyFailed {
			s.PermanentlyFailed = append(s.PermanentlyFailed, d.Name)
		}
	}
	sort.Strings(s.PermanentlyFailed)
	return s
}

// Analytics derives the dashboard totals.
func (s Summary) Analytics() Analytics {
	return Analytics{
		SuccessfulApplications: s.Ledger.Successes,
		TotalJobs:              s.Ledger.ProcessedCount,
		SuccessRate:            s.SuccessRate * 100,
		AlreadyApplied:         s.Ledger.AlreadyProcessed,
		Failed:                 s.Ledger.Failures,
		RuntimeHours:           s.Elapsed.Hours(),
	}
}

// Render formats the summary for humans.
func (s Summary) Render() string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	title := "RUN STATUS"
	if s.Final {
		title = "FINAL SUMMARY"
	}
	fmt.Fprintln(&b, rule)
	if s.RunID != "" {
		fmt.Fprintf(&b, "%s  run %s\n", title, s.RunID)
	} else {
		fmt.Fprintln(&b, title)
	}
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Elapsed:            %s\n", s.Elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "Applications:       %d this cycle, %d total\n", s.ApplicationsThisCycle, s.ApplicationsTotal)
	fmt.Fprintf(&b, "Successful:         %d\n", s.Ledger.Successes)
	fmt.Fprintf(&b, "Already applied:    %d\n", s.Ledger.AlreadyProcessed)
	fmt.Fprintf(&b, "Skipped (held):     %d\n", s.Ledger.Skipped)
	fmt.Fprintf(&b, "Failed:             %d (%d transient, %d permanent)\n",
		s.Ledger.Failures, s.Ledger.TransientFailures, s.Ledger.PermanentFailures)
	fmt.Fprintf(&b, "Apply calls:        %d\n", s.Ledger.Attempts)
	fmt.Fprintf(&b, "Processed:          %d (%d in flight)\n", s.Ledger.ProcessedCount, s.Ledger.InFlight)
	fmt.Fprintf(&b, "Success rate:       %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&b, "Throughput:         %.2f/min\n", s.ThroughputPerMinute)
	fmt.Fprintf(&b, "Active workers:     %d/%d\n", s.ActiveWorkers, len(s.Workers))
	fmt.Fprintf(&b, "Restarts:           %d\n", s.TotalRestarts)
	for _, d := range s.Dependents {
		fmt.Fprintf(&b, "  %-16s %-20s restarts=%d\n", d.Name, d.State, d.RestartCount)
	}
	if len(s.PermanentlyFailed) > 0 {
		fmt.Fprintf(&b, "ALERT permanently failed: %s\n", strings.Join(s.PermanentlyFailed, ", "))
	}
	fmt.Fprint(&b, rule)
	return b.String()
}
