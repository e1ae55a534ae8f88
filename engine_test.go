package dealersync

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbarron/dealersync/extract"
	"github.com/tbarron/dealersync/platform"
	"github.com/tbarron/dealersync/store"
)

// Test helper: engine over a temp database with instant sleeps
func createTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	engine, err := New(cfg, log.Default())
	require.NoError(t, err, "should create engine")
	engine.sleep = func(time.Duration) {}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func createTestSource(t *testing.T, e *Engine, dealershipID string) store.SourceConfig {
	t.Helper()
	src, err := e.store.CreateSource(dealershipID, "Test lot",
		fmt.Sprintf("https://%s.example.com/inventory", dealershipID), platform.Generic, nil, nil)
	require.NoError(t, err)
	return *src
}

func failingAcquire(err error) acquireFunc {
	return func(context.Context, *store.SourceConfig, platform.SelectorSet, *store.ScrapeRun) (*tierResult, error) {
		return nil, err
	}
}

// succeedingAcquire upserts n vehicles through the real reconciler and
// returns the accumulated result.
func succeedingAcquire(e *Engine, n int) acquireFunc {
	return func(_ context.Context, src *store.SourceConfig, _ platform.SelectorSet, _ *store.ScrapeRun) (*tierResult, error) {
		result := &tierResult{}
		for i := 0; i < n; i++ {
			ev := &extract.Vehicle{
				Year:      2021,
				Make:      "Toyota",
				Model:     fmt.Sprintf("Model%d", i),
				Trim:      "Base",
				BodyType:  "Sedan",
				SourceURL: fmt.Sprintf("https://dealer.example.com/v/%d", i),
			}
			if _, err := e.reconcileVehicle(src, ev, result); err != nil {
				return nil, err
			}
		}
		result.Found = n
		return result, nil
	}
}

// TestRunSource_PrimarySucceeds verifies the happy path records a primary
// success with no deletions.
func TestRunSource_PrimarySucceeds(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")
	e.acquirePrimary = succeedingAcquire(e, 10)
	e.acquireSecondary = failingAcquire(fmt.Errorf("should not be called"))

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodPrimary, run.Method)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 10, run.VehiclesFound)
	assert.Equal(t, 10, run.VehiclesInserted)
	assert.Equal(t, 0, run.VehiclesDeleted, "a clean run deletes nothing")
	assert.Equal(t, 0, run.RetryCount)
}

// TestRunSource_FallsBackToSecondary verifies the run never reports primary
// when Tier1 failed, and retry accounting covers the exhausted tier.
func TestRunSource_FallsBackToSecondary(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")
	e.acquirePrimary = failingAcquire(fmt.Errorf("browser crashed"))
	e.acquireSecondary = succeedingAcquire(e, 5)

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodSecondary, run.Method)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 5, run.VehiclesFound)
	assert.Equal(t, 2, run.RetryCount, "three primary attempts mean two retries")
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "browser crashed")
	assert.Contains(t, *run.ErrorMessage, "reduced fidelity")
}

// TestRunSource_PreservesInventoryWhenAllTiersFail verifies existing
// inventory survives a total scraping failure as a partial run.
func TestRunSource_PreservesInventoryWhenAllTiersFail(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")

	// Seed inventory from an earlier good run.
	e.acquirePrimary = succeedingAcquire(e, 3)
	e.acquireSecondary = failingAcquire(fmt.Errorf("unused"))
	_, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	boom := fmt.Errorf("site unreachable")
	e.acquirePrimary = failingAcquire(boom)
	e.acquireSecondary = failingAcquire(boom)

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodPreserve, run.Method)
	assert.Equal(t, store.RunPartial, run.Status)

	count, err := e.store.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "preservation keeps every vehicle")
}

// TestRunSource_FailsWhenNothingToPreserve verifies a total failure with no
// inventory is a failed run.
func TestRunSource_FailsWhenNothingToPreserve(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")
	boom := fmt.Errorf("site unreachable")
	e.acquirePrimary = failingAcquire(boom)
	e.acquireSecondary = failingAcquire(boom)

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodPreserve, run.Method)
	assert.Equal(t, store.RunFailed, run.Status)
}

// seedVehicles inserts n vehicles and returns them.
func seedVehicles(t *testing.T, e *Engine, dealershipID string, n int) []store.Vehicle {
	t.Helper()
	var out []store.Vehicle
	for i := 0; i < n; i++ {
		v := &store.Vehicle{
			DealershipID: dealershipID,
			Year:         2020,
			Make:         "Honda",
			Model:        fmt.Sprintf("Seed%d", i),
			Trim:         "Base",
			BodyType:     "Sedan",
			ListingURL:   fmt.Sprintf("https://dealer.example.com/v/seed%d", i),
		}
		_, err := e.store.UpsertVehicle(v)
		require.NoError(t, err)
		out = append(out, *v)
	}
	return out
}

// TestRunSource_ResumedRunKeepsPreCrashObservations verifies the staleness
// cutoff is the run's persisted start, not the moment of resumption, so
// vehicles reconciled before a crash survive the sweep.
func TestRunSource_ResumedRunKeepsPreCrashObservations(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")

	crashed, err := e.store.CreateRun("dealer-1")
	require.NoError(t, err)
	_, err = e.store.CreateQueueItems(crashed.ID, []string{"https://dealer-1.example.com/v/1"})
	require.NoError(t, err)

	// Reconciled after the run started, before the crash. Timestamps are
	// second-precision, so cross a second boundary on each side.
	time.Sleep(1100 * time.Millisecond)
	seedVehicles(t, e, "dealer-1", 3)
	time.Sleep(1100 * time.Millisecond)

	e.acquirePrimary = succeedingAcquire(e, 10)
	e.acquireSecondary = failingAcquire(fmt.Errorf("unused"))

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, crashed.ID, run.ID, "unfinished run is resumed")
	assert.Equal(t, 0, run.VehiclesDeleted, "pre-crash observations are not stale")

	count, err := e.store.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 13, count)
}

// TestSweepStale_CoverageGateBlocksDeletion verifies no deletion happens
// when a sparse scrape covered under 30% of a non-trivial inventory.
func TestSweepStale_CoverageGateBlocksDeletion(t *testing.T) {
	e := createTestEngine(t)
	vehicles := seedVehicles(t, e, "dealer-1", 20)

	cutoff := time.Now().Add(time.Minute)
	// Only 2 of 20 observed: 10% coverage.
	for _, v := range vehicles[:2] {
		require.NoError(t, e.store.TouchVehicle(v.ID, time.Now().Add(2*time.Minute)))
	}

	deleted, err := e.sweepStale("dealer-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	count, err := e.store.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

// TestSweepStale_CoverageGateSkippedForSmallInventory verifies the coverage
// ratio is ignored when the inventory is too small to make it meaningful.
func TestSweepStale_CoverageGateSkippedForSmallInventory(t *testing.T) {
	e := createTestEngine(t)
	seedVehicles(t, e, "dealer-1", 4)
	cutoff := time.Now().Add(time.Minute)

	// 0% coverage but only 4 vehicles: the cap still applies, the ratio
	// gate does not.
	deleted, err := e.sweepStale("dealer-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted, "capped at half the inventory")
}

// TestSweepStale_CapsDeletionsPerSweep verifies one sweep removes at most
// half the inventory and defers the rest.
func TestSweepStale_CapsDeletionsPerSweep(t *testing.T) {
	e := createTestEngine(t)
	vehicles := seedVehicles(t, e, "dealer-1", 20)

	cutoff := time.Now().Add(time.Minute)
	// 8 of 20 observed: 40% coverage passes the gate; 12 stale exceed the
	// cap of 10.
	for _, v := range vehicles[:8] {
		require.NoError(t, e.store.TouchVehicle(v.ID, time.Now().Add(2*time.Minute)))
	}

	deleted, err := e.sweepStale("dealer-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 10, deleted)

	count, err := e.store.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

// TestSweepStale_NothingStale verifies the no-op path.
func TestSweepStale_NothingStale(t *testing.T) {
	e := createTestEngine(t)
	seedVehicles(t, e, "dealer-1", 3)

	deleted, err := e.sweepStale("dealer-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

// TestRunSynchronization_SequencesSources verifies the public entry point
// runs each enabled source and reports per-run outcomes.
func TestRunSynchronization_SequencesSources(t *testing.T) {
	e := createTestEngine(t)
	createTestSource(t, e, "dealer-1")
	createTestSource(t, e, "dealer-2")
	e.acquirePrimary = succeedingAcquire(e, 2)
	e.acquireSecondary = failingAcquire(fmt.Errorf("unused"))

	runs, err := e.RunSynchronization(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	var dealerships []string
	for _, run := range runs {
		dealerships = append(dealerships, run.DealershipID)
		assert.Equal(t, store.RunSuccess, run.Status)
	}
	assert.ElementsMatch(t, []string{"dealer-1", "dealer-2"}, dealerships)
}

// TestRunSynchronization_NoSources verifies the error when nothing is
// configured.
func TestRunSynchronization_NoSources(t *testing.T) {
	e := createTestEngine(t)
	_, err := e.RunSynchronization(context.Background(), "")
	require.Error(t, err)
}

// TestGetRunHistoryAndStatus verifies the read API over finished runs.
func TestGetRunHistoryAndStatus(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")
	e.acquirePrimary = succeedingAcquire(e, 1)
	e.acquireSecondary = failingAcquire(fmt.Errorf("unused"))

	_, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	history, err := e.GetRunHistory("dealer-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	latest, err := e.GetLatestRunStatus("dealer-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.RunSuccess, latest.Status)
}
