package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Queue item states. Transitions: pending -> processing -> completed|failed,
// with processing -> pending on crash recovery.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// QueueItem is one discovered listing awaiting detail extraction. Items are
// persisted at discovery time so a crash resumes from the lowest pending
// position instead of re-running discovery.
type QueueItem struct {
	ID           uuid.UUID  `json:"id"`
	RunID        uuid.UUID  `json:"run_id"`
	URL          string     `json:"url"`
	Position     int        `json:"position"`
	Status       string     `json:"status"`
	VehicleID    *uuid.UUID `json:"vehicle_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
}

// CreateQueueItems persists one item per discovered URL, preserving
// discovery order as strictly increasing positions.
func (s *Store) CreateQueueItems(runID uuid.UUID, urls []string) ([]QueueItem, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	items := make([]QueueItem, 0, len(urls))
	for i, url := range urls {
		item := QueueItem{
			ID:       uuid.New(),
			RunID:    runID,
			URL:      url,
			Position: i,
			Status:   QueuePending,
		}
		_, err := tx.Exec(
			`INSERT INTO queue_items (id, run_id, url, position, status, retry_count)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			item.ID.String(), runID.String(), url, i, QueuePending,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue items: %w", err)
	}
	return items, nil
}

// PendingQueueItems returns a run's unfinished items ordered by position.
// Items stranded in processing by a crash are reset to pending first, so
// resumption is a pure function of persisted state.
func (s *Store) PendingQueueItems(runID uuid.UUID) ([]QueueItem, error) {
	_, err := s.db.Exec(
		`UPDATE queue_items SET status = ? WHERE run_id = ? AND status = ?`,
		QueuePending, runID.String(), QueueProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reset processing items: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, url, position, status, vehicle_id, error_message, retry_count
		 FROM queue_items WHERE run_id = ? AND status = ? ORDER BY position`,
		runID.String(), QueuePending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// CountQueueItems returns (total, completed) counts for a run.
func (s *Store) CountQueueItems(runID uuid.UUID) (int, int, error) {
	var total, completed int
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM queue_items WHERE run_id = ?`,
		QueueCompleted, runID.String(),
	).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return total, completed, nil
}

// MarkQueueItem transitions an item to a new status, recording the error
// message for failures and the vehicle for completions.
func (s *Store) MarkQueueItem(id uuid.UUID, status string, vehicleID *uuid.UUID, errMsg string) error {
	var vehicleStr, errStr any
	if vehicleID != nil {
		vehicleStr = vehicleID.String()
	}
	if errMsg != "" {
		errStr = errMsg
	}

	result, err := s.db.Exec(
		`UPDATE queue_items SET status = ?, vehicle_id = ?, error_message = ? WHERE id = ?`,
		status, vehicleStr, errStr, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item not found")
	}
	return nil
}

// RequeueFailedItems resets a run's failed items to pending so a fallback
// tier can retry them, and reports how many were reset.
func (s *Store) RequeueFailedItems(runID uuid.UUID) (int, error) {
	result, err := s.db.Exec(
		`UPDATE queue_items SET status = ?, error_message = NULL WHERE run_id = ? AND status = ?`,
		QueuePending, runID.String(), QueueFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed items: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// IncrementQueueRetry bumps an item's retry count and returns the new value.
func (s *Store) IncrementQueueRetry(id uuid.UUID) (int, error) {
	_, err := s.db.Exec(
		`UPDATE queue_items SET retry_count = retry_count + 1 WHERE id = ?`, id.String())
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	var count int
	err = s.db.QueryRow(`SELECT retry_count FROM queue_items WHERE id = ?`, id.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var idStr, runStr string
		var vehicleID, errMsg sql.NullString

		err := rows.Scan(&idStr, &runStr, &item.URL, &item.Position, &item.Status,
			&vehicleID, &errMsg, &item.RetryCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.ID, _ = uuid.Parse(idStr)
		item.RunID, _ = uuid.Parse(runStr)
		if vehicleID.Valid {
			id, err := uuid.Parse(vehicleID.String)
			if err == nil {
				item.VehicleID = &id
			}
		}
		item.ErrorMessage = strPtr(errMsg)
		items = append(items, item)
	}
	return items, rows.Err()
}
