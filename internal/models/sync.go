package models

import (
	"strings"
	"time"
)

// SyncRun statuses.
const (
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// Counters are the per-account outcome counts of a run.
type Counters struct {
	Fetched          int `json:"fetched"`
	Inserted         int `json:"inserted"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Failed           int `json:"failed"`
	Conflicts        int `json:"conflicts"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Fetched += o.Fetched
	c.Inserted += o.Inserted
	c.SkippedDuplicate += o.SkippedDuplicate
	c.Failed += o.Failed
	c.Conflicts += o.Conflicts
}

// AccountResult is one account's outcome within a run. Error is empty when
// the account completed.
type AccountResult struct {
	AccountEmail string   `json:"account_email"`
	Counters     Counters `json:"counters"`
	Error        string   `json:"error,omitempty"`
	HistoryID    string   `json:"history_id,omitempty"`
}

// Failed reports whether the account did not complete.
func (r AccountResult) Failed() bool { return r.Error != "" }

// SyncRun is one execution of the coordinator across all active accounts.
// It is immutable once finalized.
type SyncRun struct {
	ID           int64           `json:"id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       string          `json:"status"`
	ErrorSummary string          `json:"error_summary,omitempty"`
	Totals       Counters        `json:"totals"`
	Accounts     []AccountResult `json:"accounts"`
}

// Finalize computes totals and status from the account results. A run with
// no failed account succeeds, a run where every account failed fails, and
// anything in between is partial.
func (r *SyncRun) Finalize(finishedAt time.Time) {
	r.FinishedAt = &finishedAt
	r.Totals = Counters{}

	failed := 0
	var summary []string
	for _, a := range r.Accounts {
		r.Totals.Add(a.Counters)
		if a.Failed() {
			failed++
			summary = append(summary, a.AccountEmail+": "+a.Error)
		}
	}

	switch {
	case failed == 0:
		r.Status = SyncStatusSuccess
	case failed == len(r.Accounts):
		r.Status = SyncStatusFailed
	default:
		r.Status = SyncStatusPartial
	}
	r.ErrorSummary = strings.Join(summary, "; ")
}

