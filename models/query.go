package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type QueryStatus string

const (
	QueryStatusPending    QueryStatus = "pending"
	QueryStatusInProgress QueryStatus = "in_progress"
	QueryStatusCompleted  QueryStatus = "completed"
	QueryStatusFailed     QueryStatus = "failed"
)

// Query is one pipeline run for one tenant on one platform.
type Query struct {
	ID           int64         `json:"id" db:"id"`
	QueryID      string        `json:"query_id" db:"query_id"`
	TenantID     int64         `json:"tenant_id" db:"tenant_id"`
	Platform     string        `json:"platform" db:"platform"`
	Status       QueryStatus   `json:"status" db:"status"`
	FolderPath   string        `json:"folder_path" db:"folder_path"`
	SummaryStats *SummaryStats `json:"summary_stats,omitempty" db:"summary_stats"`
	ErrorMessage *string       `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time     `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Archived     bool          `json:"archived" db:"archived"`
}

// SummaryStats summarizes a completed run.
type SummaryStats struct {
	TotalsList        int `json:"totals_list"`
	TotalsFiltered    int `json:"totals_filtered"`
	TotalsImport      int `json:"totals_import"`
	TotalsExport      int `json:"totals_export"`
	ProbesOK          int `json:"probes_ok"`
	ProbesFailed      int `json:"probes_failed"`
	TotalAppointments int `json:"total_appointments"`
	DurationSeconds   int `json:"duration_seconds"`
}

// NewQueryID builds "q_{tenant_id}_{unix_seconds}". The embedded unix
// timestamp is the job ordinal used by newer-job cancellation.
func NewQueryID(tenantID int64, now time.Time) string {
	return fmt.Sprintf("q_%d_%d", tenantID, now.Unix())
}

// Ordinal extracts the unix-second suffix from a query_id. Returns 0 and
// false when the id does not carry a parseable ordinal.
func Ordinal(queryID string) (int64, bool) {
	idx := strings.LastIndex(queryID, "_")
	if idx < 0 || idx == len(queryID)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(queryID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
