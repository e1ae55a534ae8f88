package dealersync

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/market"
	"github.com/tbarron/dealersync/platform"
	"github.com/tbarron/dealersync/store"
)

// stubPage is the do-nothing page behind stubBrowser.
type stubPage struct{}

func (stubPage) Navigate(context.Context, string) error { return nil }

func (stubPage) HTML(context.Context) (string, error) { return "<html></html>", nil }

func (stubPage) Eval(context.Context, string) (string, error) { return "", nil }

func (stubPage) Click(context.Context, string) error { return nil }

func (stubPage) Press(context.Context, string) error { return nil }

func (stubPage) WaitVisible(context.Context, string, time.Duration) error { return nil }

func (stubPage) ScrollBy(context.Context, int) error { return nil }

func (stubPage) Count(context.Context, string) (int, error) { return 0, nil }

func (stubPage) Cookies(context.Context) ([]browser.Cookie, error) { return nil, nil }

func (stubPage) SetCookies(context.Context, []browser.Cookie) error { return nil }

func (stubPage) Close() error { return nil }

type stubBrowser struct{}

func (stubBrowser) NewPage(context.Context) (browser.Page, error) { return stubPage{}, nil }
func (stubBrowser) Close() error                                  { return nil }

// TestPrimaryAcquisition_ExhaustedQueueFailsTier verifies a queue whose
// every item already failed is a tier failure, not an empty success: the
// persisted counts are the failure signal when nothing is left pending.
func TestPrimaryAcquisition_ExhaustedQueueFailsTier(t *testing.T) {
	e := createTestEngine(t)
	e.newBrowser = func() (browser.Browser, error) { return stubBrowser{}, nil }
	src := createTestSource(t, e, "dealer-1")

	run, err := e.store.CreateRun("dealer-1")
	require.NoError(t, err)
	items, err := e.store.CreateQueueItems(run.ID, []string{
		"https://dealer-1.example.com/v/1",
		"https://dealer-1.example.com/v/2",
	})
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, e.store.MarkQueueItem(item.ID, store.QueueFailed, nil, "navigation failed"))
	}

	_, err = e.primaryAcquisition(context.Background(), &src, platform.Selectors(platform.Generic), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

// TestSecondaryAcquisition_RetriesItemsBrowserTierFailed verifies the
// static tier requeues and re-extracts items the browser tier gave up on.
func TestSecondaryAcquisition_RetriesItemsBrowserTierFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>2020 Honda Accord Sedan</h1><p>VIN: 1HGCM82633A004352</p></body></html>`)
	}))
	defer server.Close()

	e := createTestEngine(t)
	var logBuf bytes.Buffer
	e.logger = log.New(&logBuf, "", 0)
	src := createTestSource(t, e, "dealer-1")

	run, err := e.store.CreateRun("dealer-1")
	require.NoError(t, err)
	items, err := e.store.CreateQueueItems(run.ID, []string{server.URL + "/vehicle/1"})
	require.NoError(t, err)
	require.NoError(t, e.store.MarkQueueItem(items[0].ID, store.QueueFailed, nil, "browser crashed"))

	result, err := e.secondaryAcquisition(context.Background(), &src, platform.Selectors(platform.Generic), run)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Found)
	assert.Equal(t, 0, result.Failed)

	total, completed, err := e.store.CountQueueItems(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, completed)

	assert.Contains(t, logBuf.String(), "Requeued 1 failed items")
	assert.Contains(t, logBuf.String(), "No images accepted", "a gallery miss leaves a diagnostic trail")
}

// TestRunSource_TertiaryRevalidation verifies that when both scraping tiers
// fail but the market lookup answers, existing inventory is kept warm and
// the run ends partial.
func TestRunSource_TertiaryRevalidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"make":%q,"model":%q,"year":2020,"average_price":21000,"sample_size":14}`,
			r.URL.Query().Get("make"), r.URL.Query().Get("model"))
	}))
	defer server.Close()

	e := createTestEngine(t)
	e.market = market.NewClient(server.URL)
	src := createTestSource(t, e, "dealer-1")
	seeded := seedVehicles(t, e, "dealer-1", 3)

	boom := fmt.Errorf("site unreachable")
	e.acquirePrimary = failingAcquire(boom)
	e.acquireSecondary = failingAcquire(boom)

	before, err := e.store.GetVehicle(seeded[0].ID)
	require.NoError(t, err)

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodTertiary, run.Method)
	assert.Equal(t, store.RunPartial, run.Status)
	assert.Equal(t, 3, run.VehiclesFound)

	after, err := e.store.GetVehicle(seeded[0].ID)
	require.NoError(t, err)
	assert.True(t, after.LastSeenAt.After(before.LastSeenAt) || after.LastSeenAt.Equal(before.LastSeenAt))
	assert.Equal(t, before.Price, after.Price, "revalidation touches timestamps only")
}

// TestRunSource_TertiaryLookupFailureFallsToPreserve verifies a dead market
// API drops through to preservation.
func TestRunSource_TertiaryLookupFailureFallsToPreserve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := createTestEngine(t)
	e.market = market.NewClient(server.URL)
	src := createTestSource(t, e, "dealer-1")
	seedVehicles(t, e, "dealer-1", 2)

	boom := fmt.Errorf("site unreachable")
	e.acquirePrimary = failingAcquire(boom)
	e.acquireSecondary = failingAcquire(boom)

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodPreserve, run.Method)
	assert.Equal(t, store.RunPartial, run.Status)
}

// TestRunSource_PartialQueueScenario verifies a run where some items fail
// permanently: the found count only covers successes, and the failures do
// not trigger deletions.
func TestRunSource_PartialQueueScenario(t *testing.T) {
	e := createTestEngine(t)
	src := createTestSource(t, e, "dealer-1")

	// 12 discovered listings, 10 extracted, 2 permanently failed.
	good := succeedingAcquire(e, 10)
	e.acquirePrimary = func(ctx context.Context, s *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun) (*tierResult, error) {
		result, err := good(ctx, s, sel, run)
		if err != nil {
			return nil, err
		}
		result.Failed = 2
		return result, nil
	}
	e.acquireSecondary = failingAcquire(fmt.Errorf("unused"))

	run, err := e.runSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, store.MethodPrimary, run.Method)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 10, run.VehiclesFound)
	assert.Equal(t, 0, run.VehiclesDeleted)
}

// TestEngine_LimiterPerDomain verifies limiters are cached per domain.
func TestEngine_LimiterPerDomain(t *testing.T) {
	e := createTestEngine(t)
	a := e.limiter("a.example.com")
	b := e.limiter("b.example.com")
	assert.NotSame(t, a, b)
	assert.Same(t, a, e.limiter("a.example.com"))
}

// TestMarketClient_Lookup verifies quote decoding against a stub server.
func TestMarketClient_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Honda", r.URL.Query().Get("make"))
		assert.Equal(t, "Accord", r.URL.Query().Get("model"))
		assert.Equal(t, "2020", r.URL.Query().Get("year"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"make":"Honda","model":"Accord","year":2020,"average_price":24500,"sample_size":31}`)
	}))
	defer server.Close()

	c := market.NewClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quote, err := c.Lookup(ctx, "Honda", "Accord", 2020)
	require.NoError(t, err)
	assert.Equal(t, 24500, quote.AveragePrice)
	assert.Equal(t, 31, quote.SampleSize)
}
