package dealersync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tbarron/dealersync/enrich"
	"github.com/tbarron/dealersync/extract"
	"github.com/tbarron/dealersync/images"
	"github.com/tbarron/dealersync/store"
)

// Deletion safety gates. A sweep that would violate either gate is partly
// or wholly deferred to a later, healthier run.
const (
	// MinSweepCoverage is the observed-fraction floor below which no
	// deletion happens at all, once the inventory is big enough for the
	// ratio to mean anything.
	MinSweepCoverage = 0.3
	// sweepCoverageMinCount is the inventory size above which the coverage
	// gate applies.
	sweepCoverageMinCount = 10
	// MaxSweepFraction caps how much of the inventory one sweep may remove.
	MaxSweepFraction = 0.5
)

// reconcileVehicle converts one extraction into a persisted vehicle and
// updates the run counters. Extractions carrying no identity at all are
// rejected rather than creating unmatchable rows.
func (e *Engine) reconcileVehicle(src *store.SourceConfig, ev *extract.Vehicle, result *tierResult) (uuid.UUID, error) {
	if ev.VIN == nil && ev.Year == 0 && ev.Make == "" && ev.Model == "" {
		return uuid.Nil, fmt.Errorf("extraction produced no vehicle identity for %s", ev.SourceURL)
	}

	v := &store.Vehicle{
		DealershipID: src.DealershipID,
		VIN:          ev.VIN,
		Year:         ev.Year,
		Make:         ev.Make,
		Model:        ev.Model,
		Trim:         ev.Trim,
		BodyType:     ev.BodyType,
		Price:        ev.Price,
		Odometer:     ev.Odometer,
		StockNumber:  ev.StockNumber,
		Description:  ev.Description,
		Badges:       ev.Badges,
		Images:       images.URLs(ev.Images),
		ListingURL:   ev.SourceURL,
	}

	inserted, err := e.store.UpsertVehicle(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist vehicle: %w", err)
	}
	if inserted {
		result.Inserted++
	} else {
		result.Updated++
	}
	result.Observed = append(result.Observed, observation{VehicleID: v.ID})
	return v.ID, nil
}

// sweepStale removes vehicles not seen since the run started, behind two
// gates: a coverage floor that refuses to delete anything off the back of a
// mostly-failed scrape, and a per-sweep cap so even a plausible-looking bad
// run cannot wipe the inventory. Capped-out candidates age out across later
// sweeps instead.
func (e *Engine) sweepStale(dealershipID string, cutoff time.Time) (int, error) {
	count, err := e.store.CountVehicles(dealershipID)
	if err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	stale, err := e.store.StaleVehicles(dealershipID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale vehicles: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	observed := count - len(stale)
	if count > sweepCoverageMinCount {
		coverage := float64(observed) / float64(count)
		if coverage < MinSweepCoverage {
			e.logger.Printf("WARN: Skipping staleness sweep for %s: coverage %.2f below %.2f (%d of %d observed)",
				dealershipID, coverage, MinSweepCoverage, observed, count)
			return 0, nil
		}
	}

	limit := int(float64(count) * MaxSweepFraction)
	if len(stale) > limit {
		e.logger.Printf("WARN: Deferring %d of %d stale vehicles for %s (sweep cap %d)",
			len(stale)-limit, len(stale), dealershipID, limit)
		stale = stale[:limit]
	}

	ids := make([]uuid.UUID, len(stale))
	for i, v := range stale {
		ids[i] = v.ID
	}

	deleted, err := e.store.DeleteVehicles(ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale vehicles: %w", err)
	}
	if deleted > 0 {
		e.logger.Printf("INFO: Swept %d stale vehicles for %s", deleted, dealershipID)
	}
	return deleted, nil
}

// enrichObserved cross-references this run's vehicles against the source's
// marketplace feed. Enrichment is additive; failures only cost the extra
// fields.
func (e *Engine) enrichObserved(ctx context.Context, src *store.SourceConfig, observed []observation) {
	if src.EnrichmentURL == nil || *src.EnrichmentURL == "" || len(observed) == 0 {
		return
	}

	records, err := enrich.FetchRecords(ctx, e.httpCl, *src.EnrichmentURL)
	if err != nil {
		e.logger.Printf("WARN: Enrichment fetch failed for %s: %v", src.DealershipID, err)
		return
	}
	if len(records) == 0 {
		return
	}

	matched := 0
	for _, obs := range observed {
		v, err := e.store.GetVehicle(obs.VehicleID)
		if err != nil {
			continue
		}

		record := enrich.Match(v, records)
		if record == nil {
			continue
		}

		for _, d := range enrich.Merge(v, record) {
			e.logger.Printf("WARN: Listing discrepancy for vehicle %s: %s", v.ID, d)
		}
		if err := e.store.UpdateVehicleEnrichment(v); err != nil {
			e.logger.Printf("ERROR: Failed to save enrichment for vehicle %s: %v", v.ID, err)
			continue
		}
		matched++
	}
	e.logger.Printf("INFO: Enriched %d of %d vehicles for %s", matched, len(observed), src.DealershipID)
}

// describeObserved rewrites raw descriptions into listing copy. Best
// effort: the raw description always survives a failed rewrite.
func (e *Engine) describeObserved(ctx context.Context, observed []observation) {
	if e.describer == nil || e.cfg.DescribeAPIURL == "" {
		return
	}

	for _, obs := range observed {
		v, err := e.store.GetVehicle(obs.VehicleID)
		if err != nil || v.Description == "" {
			continue
		}

		rewritten := e.describer.Humanize(ctx, v.Description)
		if rewritten == v.Description {
			continue
		}
		if err := e.store.UpdateVehicleDescription(v.ID, rewritten); err != nil {
			e.logger.Printf("ERROR: Failed to save description for vehicle %s: %v", v.ID, err)
		}
	}
}
