package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Acquisition methods, in escalation order.
const (
	MethodPrimary   = "primary"
	MethodSecondary = "secondary"
	MethodTertiary  = "tertiary"
	MethodPreserve  = "preserve"
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// ScrapeRun is one synchronization attempt. Rows are append-only: a run is
// created when it starts and finalized exactly once.
type ScrapeRun struct {
	ID               uuid.UUID  `json:"id"`
	DealershipID     string     `json:"dealership_id"`
	Method           string     `json:"method"`
	Status           string     `json:"status"`
	VehiclesFound    int        `json:"vehicles_found"`
	VehiclesInserted int        `json:"vehicles_inserted"`
	VehiclesUpdated  int        `json:"vehicles_updated"`
	VehiclesDeleted  int        `json:"vehicles_deleted"`
	RetryCount       int        `json:"retry_count"`
	DurationMs       int64      `json:"duration_ms"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CreateRun opens a new run in the running state.
func (s *Store) CreateRun(dealershipID string) (*ScrapeRun, error) {
	run := &ScrapeRun{
		ID:           uuid.New(),
		DealershipID: dealershipID,
		Status:       RunRunning,
		StartedAt:    time.Now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO scrape_runs (id, dealership_id, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID.String(), dealershipID, RunRunning, formatTime(&run.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinalizeRun writes a run's terminal state, counts and duration.
func (s *Store) FinalizeRun(run *ScrapeRun) error {
	now := time.Now()
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()

	result, err := s.db.Exec(
		`UPDATE scrape_runs SET
			method = ?, status = ?, vehicles_found = ?, vehicles_inserted = ?,
			vehicles_updated = ?, vehicles_deleted = ?, retry_count = ?,
			duration_ms = ?, error_message = ?, completed_at = ?
		 WHERE id = ?`,
		run.Method, run.Status, run.VehiclesFound, run.VehiclesInserted,
		run.VehiclesUpdated, run.VehiclesDeleted, run.RetryCount,
		run.DurationMs, run.ErrorMessage, formatTime(run.CompletedAt),
		run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found")
	}
	return nil
}

// ListRuns returns recent runs, newest first. An empty dealershipID lists
// runs across all dealerships.
func (s *Store) ListRuns(dealershipID string, limit int) ([]ScrapeRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := runSelect + ` WHERE 1=1`
	args := []any{}
	if dealershipID != "" {
		query += ` AND dealership_id = ?`
		args = append(args, dealershipID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []ScrapeRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run, or nil when none exist.
func (s *Store) LatestRun(dealershipID string) (*ScrapeRun, error) {
	runs, err := s.ListRuns(dealershipID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// UnfinishedRun returns a crashed run (still marked running with pending
// work) for crash resumption, or nil when there is none.
func (s *Store) UnfinishedRun(dealershipID string) (*ScrapeRun, error) {
	row := s.db.QueryRow(runSelect+`
		WHERE dealership_id = ? AND status = ?
		  AND EXISTS (
			SELECT 1 FROM queue_items
			WHERE queue_items.run_id = scrape_runs.id
			  AND queue_items.status IN (?, ?)
		  )
		ORDER BY started_at DESC LIMIT 1`,
		dealershipID, RunRunning, QueuePending, QueueProcessing,
	)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished run: %w", err)
	}
	return run, nil
}

const runSelect = `
	SELECT id, dealership_id, method, status, vehicles_found, vehicles_inserted,
	       vehicles_updated, vehicles_deleted, retry_count, duration_ms,
	       error_message, started_at, completed_at
	FROM scrape_runs`

func scanRun(row rowScanner) (*ScrapeRun, error) {
	var run ScrapeRun
	var idStr, startedAt string
	var errMsg, completedAt sql.NullString

	err := row.Scan(
		&idStr, &run.DealershipID, &run.Method, &run.Status,
		&run.VehiclesFound, &run.VehiclesInserted, &run.VehiclesUpdated, &run.VehiclesDeleted,
		&run.RetryCount, &run.DurationMs, &errMsg, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ID, _ = uuid.Parse(idStr)
	run.ErrorMessage = strPtr(errMsg)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}
