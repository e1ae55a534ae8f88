package dealersync

import (
	"context"
	"fmt"
	"time"

	"github.com/tbarron/dealersync/store"
)

// RunSynchronization runs every enabled source for a dealership, or for all
// dealerships when dealershipID is empty. Sources run strictly one after
// another with a pause between them; no domain ever sees overlapping runs.
func (e *Engine) RunSynchronization(ctx context.Context, dealershipID string) ([]store.ScrapeRun, error) {
	sources, err := e.store.ListSources(dealershipID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no enabled sources configured")
	}

	var runs []store.ScrapeRun
	for i, src := range sources {
		if i > 0 {
			e.sleep(time.Duration(e.cfg.DealershipDelayMs) * time.Millisecond)
		}
		if err := ctx.Err(); err != nil {
			return runs, err
		}

		run, err := e.runSource(ctx, src)
		if err != nil {
			e.logger.Printf("ERROR: Run bookkeeping failed for %s: %v", src.DealershipID, err)
			if run == nil {
				continue
			}
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// GetRunHistory returns recent runs, newest first. An empty dealershipID
// spans all dealerships.
func (e *Engine) GetRunHistory(dealershipID string, limit int) ([]store.ScrapeRun, error) {
	return e.store.ListRuns(dealershipID, limit)
}

// GetLatestRunStatus returns the most recent run for a dealership, or nil
// when it has never been synchronized.
func (e *Engine) GetLatestRunStatus(dealershipID string) (*store.ScrapeRun, error) {
	return e.store.LatestRun(dealershipID)
}
