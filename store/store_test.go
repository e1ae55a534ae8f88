package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbarron/dealersync/browser"
)

// Test helper: create a store backed by a temp database
func createTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	require.NoError(t, err, "should create store")
	t.Cleanup(func() { st.Close() })
	return st
}

func strp(s string) *string { return &s }

func sampleVehicle(dealershipID string, vin *string) *Vehicle {
	return &Vehicle{
		DealershipID: dealershipID,
		VIN:          vin,
		Year:         2021,
		Make:         "Toyota",
		Model:        "Corolla",
		Trim:         "LE",
		BodyType:     "Sedan",
		Price:        23500,
		Odometer:     30000,
		Badges:       []string{"One Owner"},
		Images:       []string{"https://cdn-ds.com/v/a.jpg"},
		ListingURL:   "https://dealer.example.com/vehicles/2021/toyota/corolla/x1",
	}
}

// TestUpsertVehicle_InsertThenUpdate verifies repeated upserts converge on
// one row with a stable identity.
func TestUpsertVehicle_InsertThenUpdate(t *testing.T) {
	st := createTestStore(t)

	v1 := sampleVehicle("dealer-1", strp("1HGCM82633A004352"))
	inserted, err := st.UpsertVehicle(v1)
	require.NoError(t, err)
	assert.True(t, inserted)

	v2 := sampleVehicle("dealer-1", strp("1hgcm82633a004352"))
	v2.Price = 22900
	inserted, err = st.UpsertVehicle(v2)
	require.NoError(t, err)
	assert.False(t, inserted, "second sighting updates, never duplicates")
	assert.Equal(t, v1.ID, v2.ID, "identity is stable across upserts")

	count, err := st.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := st.GetVehicle(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 22900, stored.Price)
	assert.Equal(t, v1.CreatedAt.Unix(), stored.CreatedAt.Unix(), "created_at survives updates")
}

// TestUpsertVehicle_FallbackKeyKeepsVIN verifies a VIN-less sighting that
// matches by year/make/model does not erase the stored VIN.
func TestUpsertVehicle_FallbackKeyKeepsVIN(t *testing.T) {
	st := createTestStore(t)

	withVIN := sampleVehicle("dealer-1", strp("1HGCM82633A004352"))
	_, err := st.UpsertVehicle(withVIN)
	require.NoError(t, err)

	without := sampleVehicle("dealer-1", nil)
	inserted, err := st.UpsertVehicle(without)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := st.GetVehicle(withVIN.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.VIN)
	assert.Equal(t, "1HGCM82633A004352", *stored.VIN)
}

// TestUpsertVehicle_VINLearnedLater verifies a VIN discovered on a later
// sighting is adopted onto the VIN-less row instead of inserting a twin.
func TestUpsertVehicle_VINLearnedLater(t *testing.T) {
	st := createTestStore(t)

	first := sampleVehicle("dealer-1", nil)
	inserted, err := st.UpsertVehicle(first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := sampleVehicle("dealer-1", strp("1HGCM82633A004352"))
	inserted, err = st.UpsertVehicle(second)
	require.NoError(t, err)
	assert.False(t, inserted, "learning the VIN updates the existing row")
	assert.Equal(t, first.ID, second.ID)

	stored, err := st.GetVehicle(first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.VIN)
	assert.Equal(t, "1HGCM82633A004352", *stored.VIN)

	count, err := st.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A different VIN on the same year/make/model is a different unit.
	third := sampleVehicle("dealer-1", strp("2HGCM82633A004353"))
	inserted, err = st.UpsertVehicle(third)
	require.NoError(t, err)
	assert.True(t, inserted, "rows that already carry a VIN never absorb another")
}

// TestUpsertVehicle_ScopedToDealership verifies the same VIN at two
// dealerships stays two rows.
func TestUpsertVehicle_ScopedToDealership(t *testing.T) {
	st := createTestStore(t)

	_, err := st.UpsertVehicle(sampleVehicle("dealer-1", strp("1HGCM82633A004352")))
	require.NoError(t, err)
	inserted, err := st.UpsertVehicle(sampleVehicle("dealer-2", strp("1HGCM82633A004352")))
	require.NoError(t, err)
	assert.True(t, inserted)
}

// TestStaleVehicles_AndDelete verifies staleness selection and deletion.
func TestStaleVehicles_AndDelete(t *testing.T) {
	st := createTestStore(t)

	old := sampleVehicle("dealer-1", strp("1HGCM82633A004352"))
	_, err := st.UpsertVehicle(old)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Minute)

	fresh := sampleVehicle("dealer-1", strp("2HGCM82633A004353"))
	_, err = st.UpsertVehicle(fresh)
	require.NoError(t, err)
	require.NoError(t, st.TouchVehicle(fresh.ID, time.Now().Add(2*time.Minute)))

	stale, err := st.StaleVehicles("dealer-1", cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	deleted, err := st.DeleteVehicles([]uuid.UUID{old.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err := st.CountVehicles("dealer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestQueue_ResumeResetsProcessing verifies crash recovery: items stranded
// in processing come back as pending, ordered by position.
func TestQueue_ResumeResetsProcessing(t *testing.T) {
	st := createTestStore(t)

	run, err := st.CreateRun("dealer-1")
	require.NoError(t, err)

	urls := []string{"https://x.com/v/1", "https://x.com/v/2", "https://x.com/v/3"}
	items, err := st.CreateQueueItems(run.ID, urls)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Simulate a crash: item 0 done, item 1 mid-flight.
	vehicleID := uuid.New()
	require.NoError(t, st.MarkQueueItem(items[0].ID, QueueCompleted, &vehicleID, ""))
	require.NoError(t, st.MarkQueueItem(items[1].ID, QueueProcessing, nil, ""))

	pending, err := st.PendingQueueItems(run.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Position, "stranded processing item resumes first")
	assert.Equal(t, QueuePending, pending[0].Status)
	assert.Equal(t, 2, pending[1].Position)

	total, completed, err := st.CountQueueItems(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, completed)
}

// TestQueue_RequeueFailedItems verifies failed items come back as pending
// with their errors cleared, and completed items stay done.
func TestQueue_RequeueFailedItems(t *testing.T) {
	st := createTestStore(t)

	run, err := st.CreateRun("dealer-1")
	require.NoError(t, err)
	items, err := st.CreateQueueItems(run.ID, []string{"https://x.com/v/1", "https://x.com/v/2"})
	require.NoError(t, err)

	require.NoError(t, st.MarkQueueItem(items[0].ID, QueueFailed, nil, "navigation failed"))
	require.NoError(t, st.MarkQueueItem(items[1].ID, QueueCompleted, nil, ""))

	n, err := st.RequeueFailedItems(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := st.PendingQueueItems(run.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, items[0].ID, pending[0].ID)
	assert.Nil(t, pending[0].ErrorMessage)

	total, completed, err := st.CountQueueItems(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, completed)
}

// TestQueue_RetryCount verifies retry accounting.
func TestQueue_RetryCount(t *testing.T) {
	st := createTestStore(t)

	run, err := st.CreateRun("dealer-1")
	require.NoError(t, err)
	items, err := st.CreateQueueItems(run.ID, []string{"https://x.com/v/1"})
	require.NoError(t, err)

	n, err := st.IncrementQueueRetry(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.IncrementQueueRetry(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestUnfinishedRun verifies crash detection requires a running status plus
// outstanding queue work.
func TestUnfinishedRun(t *testing.T) {
	st := createTestStore(t)

	// No runs at all.
	run, err := st.UnfinishedRun("dealer-1")
	require.NoError(t, err)
	assert.Nil(t, run)

	crashed, err := st.CreateRun("dealer-1")
	require.NoError(t, err)
	items, err := st.CreateQueueItems(crashed.ID, []string{"https://x.com/v/1", "https://x.com/v/2"})
	require.NoError(t, err)

	found, err := st.UnfinishedRun("dealer-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, crashed.ID, found.ID)

	// Finishing the queue clears the unfinished state even before the run
	// row is finalized.
	for _, item := range items {
		require.NoError(t, st.MarkQueueItem(item.ID, QueueCompleted, nil, ""))
	}
	found, err = st.UnfinishedRun("dealer-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

// TestFinalizeRun verifies terminal state and history ordering.
func TestFinalizeRun(t *testing.T) {
	st := createTestStore(t)

	run, err := st.CreateRun("dealer-1")
	require.NoError(t, err)

	run.Method = MethodPrimary
	run.Status = RunSuccess
	run.VehiclesFound = 10
	run.VehiclesInserted = 4
	run.VehiclesUpdated = 6
	require.NoError(t, st.FinalizeRun(run))

	latest, err := st.LatestRun("dealer-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, RunSuccess, latest.Status)
	assert.Equal(t, 10, latest.VehiclesFound)
	require.NotNil(t, latest.CompletedAt)
}

// TestCookies_ClearanceRequired verifies a cached session without the
// clearance marker loads as nothing.
func TestCookies_ClearanceRequired(t *testing.T) {
	st := createTestStore(t)

	plain := []browser.Cookie{{Name: "session", Value: "abc", Domain: "dealer.example.com"}}
	require.NoError(t, st.SaveCookies("dealer.example.com", plain, time.Hour))
	assert.Nil(t, st.LoadCookies("dealer.example.com"))

	cleared := append(plain, browser.Cookie{Name: browser.ClearanceCookie, Value: "tok", Domain: "dealer.example.com"})
	require.NoError(t, st.SaveCookies("dealer.example.com", cleared, time.Hour))
	loaded := st.LoadCookies("dealer.example.com")
	require.Len(t, loaded, 2)
}

// TestCookies_TTLExpiry verifies expired sessions load as nothing.
func TestCookies_TTLExpiry(t *testing.T) {
	st := createTestStore(t)

	cookies := []browser.Cookie{{Name: browser.ClearanceCookie, Value: "tok"}}
	require.NoError(t, st.SaveCookies("dealer.example.com", cookies, time.Hour))
	require.NotNil(t, st.LoadCookies("dealer.example.com"))

	// Back-date the issuance instead of sleeping.
	_, err := st.db.Exec(`UPDATE cookie_cache SET issued_at = ? WHERE domain = ?`,
		time.Now().Add(-2*time.Hour).UTC().Format(time.RFC3339), "dealer.example.com")
	require.NoError(t, err)
	assert.Nil(t, st.LoadCookies("dealer.example.com"))
}

// TestCookies_MissingDomain verifies the fail-closed empty result.
func TestCookies_MissingDomain(t *testing.T) {
	st := createTestStore(t)
	assert.Nil(t, st.LoadCookies("never-seen.example.com"))
}

// TestSources_CreateAndList verifies source registration and listing.
func TestSources_CreateAndList(t *testing.T) {
	st := createTestStore(t)

	src, err := st.CreateSource("dealer-1", "Main lot", "https://dealer.example.com/inventory", "", nil, strp("https://marketplace.example.com/dealer-1"))
	require.NoError(t, err)
	assert.Equal(t, "dealer.example.com", src.Domain)

	sources, err := st.ListSources("dealer-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "Main lot", sources[0].Name)
	require.NotNil(t, sources[0].EnrichmentURL)

	require.NoError(t, st.DisableSource(src.ID))
	sources, err = st.ListSources("dealer-1")
	require.NoError(t, err)
	assert.Empty(t, sources)
}
