// Package dealersync synchronizes dealership website inventory into a local
// vehicle database. Each run walks a tiered acquisition ladder, reconciles
// what it saw against what is persisted, and records its outcome.
package dealersync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/describe"
	"github.com/tbarron/dealersync/market"
	"github.com/tbarron/dealersync/platform"
	"github.com/tbarron/dealersync/store"
)

// tierResult is what a successful acquisition tier hands back to the
// orchestrator.
type tierResult struct {
	Found     int
	Inserted  int
	Updated   int
	Failed    int
	Observed  []observation
	Degraded  bool
	QueueDone bool
}

// observation is one vehicle touched during acquisition, kept for the
// enrichment and description passes.
type observation struct {
	VehicleID uuid.UUID
}

// acquireFunc runs one acquisition tier against a source. The run is live so
// tiers can checkpoint progress into it.
type acquireFunc func(ctx context.Context, src *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun) (*tierResult, error)

// Engine is the synchronization orchestrator. One engine serves all
// dealerships; sources are always processed sequentially so no domain ever
// sees concurrent traffic from us.
type Engine struct {
	cfg       Config
	store     *store.Store
	logger    *log.Logger
	market    *market.Client
	describer *describe.Client
	httpCl    *http.Client
	limiters  map[string]*rate.Limiter

	// Swappable seams for tests.
	acquirePrimary   acquireFunc
	acquireSecondary acquireFunc
	newBrowser       func() (browser.Browser, error)
	sleep            func(time.Duration)
	tierBackoffs     []time.Duration
}

// New opens the database and builds an engine from config.
func New(cfg Config, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		store:  st,
		logger: logger,
		httpCl: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiters:     make(map[string]*rate.Limiter),
		sleep:        time.Sleep,
		tierBackoffs: []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second},
	}
	if cfg.MarketAPIURL != "" {
		e.market = market.NewClient(cfg.MarketAPIURL)
	}
	e.describer = describe.NewClient(cfg.DescribeAPIURL, cfg.DescribeAPIKey, logger)
	e.acquirePrimary = e.primaryAcquisition
	e.acquireSecondary = e.secondaryAcquisition
	e.newBrowser = func() (browser.Browser, error) {
		return browser.NewRodBrowser(cfg.Headless)
	}
	return e, nil
}

// Store exposes the underlying store for setup and inspection.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Close releases the engine's database handle.
func (e *Engine) Close() error {
	return e.store.Close()
}

// limiter returns the per-domain pacing limiter, creating it on first use.
func (e *Engine) limiter(domain string) *rate.Limiter {
	if l, ok := e.limiters[domain]; ok {
		return l
	}
	rps := e.cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 0.5
	}
	l := rate.NewLimiter(rate.Limit(rps), 1)
	e.limiters[domain] = l
	return l
}

// runSource executes the full tier ladder for one source and finalizes its
// run record. The returned error reflects bookkeeping problems only; a
// scraping failure is expressed through the run's status.
func (e *Engine) runSource(ctx context.Context, src store.SourceConfig) (*store.ScrapeRun, error) {
	run, resumed, err := e.openRun(src.DealershipID)
	if err != nil {
		return nil, err
	}
	if resumed {
		e.logger.Printf("INFO: Resuming unfinished run %s for %s", run.ID, src.DealershipID)
	}

	sel := e.selectorsFor(src)
	var tierErrors []string

	result := e.runTier(ctx, store.MethodPrimary, e.acquirePrimary, &src, sel, run, &tierErrors)
	if result != nil {
		run.Method = store.MethodPrimary
	} else {
		result = e.runTier(ctx, store.MethodSecondary, e.acquireSecondary, &src, sel, run, &tierErrors)
		if result != nil {
			run.Method = store.MethodSecondary
			result.Degraded = true
		}
	}

	if result != nil {
		run.VehiclesFound = result.Found
		run.VehiclesInserted = result.Inserted
		run.VehiclesUpdated = result.Updated

		// The cutoff is the run's persisted start so that, on a resumed
		// run, vehicles reconciled before the crash still count as
		// observed.
		deleted, err := e.sweepStale(src.DealershipID, run.StartedAt)
		if err != nil {
			e.logger.Printf("ERROR: Staleness sweep failed for %s: %v", src.DealershipID, err)
		}
		run.VehiclesDeleted = deleted

		e.enrichObserved(ctx, &src, result.Observed)
		e.describeObserved(ctx, result.Observed)

		run.Status = store.RunSuccess
		if result.Degraded {
			tierErrors = append(tierErrors, "secondary acquisition: reduced fidelity (static HTML, no galleries)")
		}
		if result.Failed > 0 {
			e.logger.Printf("WARN: %d of %d queue items failed for %s", result.Failed, result.Found+result.Failed, src.DealershipID)
		}
	} else {
		e.fallbackTiers(ctx, &src, run, &tierErrors)
	}

	if len(tierErrors) > 0 {
		msg := strings.Join(tierErrors, "; ")
		run.ErrorMessage = &msg
	}

	if err := e.store.FinalizeRun(run); err != nil {
		return run, fmt.Errorf("failed to finalize run: %w", err)
	}
	e.logger.Printf("INFO: Run %s for %s finished: method=%s status=%s found=%d inserted=%d updated=%d deleted=%d",
		run.ID, src.DealershipID, run.Method, run.Status,
		run.VehiclesFound, run.VehiclesInserted, run.VehiclesUpdated, run.VehiclesDeleted)
	return run, nil
}

// runTier tries one acquisition tier up to TierAttempts times with the
// fixed backoff ladder. A nil result means the tier is exhausted.
func (e *Engine) runTier(ctx context.Context, method string, acquire acquireFunc, src *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun, tierErrors *[]string) *tierResult {
	attempts := e.cfg.TierAttempts
	if attempts <= 0 {
		attempts = 3
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			*tierErrors = append(*tierErrors, fmt.Sprintf("%s acquisition: %v", method, ctx.Err()))
			return nil
		}
		if attempt > 0 {
			backoff := e.tierBackoffs[min(attempt-1, len(e.tierBackoffs)-1)]
			e.sleep(backoff)
			run.RetryCount++
		}

		result, err := acquire(ctx, src, sel, run)
		if err == nil {
			return result
		}
		e.logger.Printf("WARN: %s acquisition attempt %d failed for %s: %v", method, attempt+1, src.DealershipID, err)
		*tierErrors = append(*tierErrors, fmt.Sprintf("%s acquisition attempt %d: %v", method, attempt+1, err))
	}
	return nil
}

// fallbackTiers handles the non-scraping tiers: market revalidation keeps
// existing inventory warm, and preservation refuses to destroy data just
// because the site was unreachable.
func (e *Engine) fallbackTiers(ctx context.Context, src *store.SourceConfig, run *store.ScrapeRun, tierErrors *[]string) {
	count, err := e.store.CountVehicles(src.DealershipID)
	if err != nil {
		e.logger.Printf("ERROR: Failed to count vehicles for %s: %v", src.DealershipID, err)
	}

	if count > 0 && e.market != nil {
		if e.revalidateFromMarket(ctx, src.DealershipID) {
			run.Method = store.MethodTertiary
			run.Status = store.RunPartial
			run.VehiclesFound = count
			e.logger.Printf("INFO: Market revalidation kept %d vehicles for %s", count, src.DealershipID)
			return
		}
		*tierErrors = append(*tierErrors, "tertiary revalidation: market lookup failed")
	}

	run.Method = store.MethodPreserve
	if count > 0 {
		run.Status = store.RunPartial
		e.logger.Printf("WARN: All acquisition tiers failed for %s; preserving %d vehicles", src.DealershipID, count)
	} else {
		run.Status = store.RunFailed
		e.logger.Printf("ERROR: All acquisition tiers failed for %s and no inventory exists", src.DealershipID)
	}
}

// revalidateFromMarket checks that the dealership's stock still has live
// market pricing, and if so refreshes every vehicle's last-seen timestamp.
// No inventory data is modified.
func (e *Engine) revalidateFromMarket(ctx context.Context, dealershipID string) bool {
	vehicles, err := e.store.ListVehicles(dealershipID)
	if err != nil || len(vehicles) == 0 {
		return false
	}

	probe := vehicles[0]
	quote, err := e.market.Lookup(ctx, probe.Make, probe.Model, probe.Year)
	if err != nil {
		e.logger.Printf("WARN: Market lookup failed for %d %s %s: %v", probe.Year, probe.Make, probe.Model, err)
		return false
	}
	if quote.SampleSize == 0 {
		return false
	}

	now := time.Now()
	for _, v := range vehicles {
		if err := e.store.TouchVehicle(v.ID, now); err != nil {
			e.logger.Printf("ERROR: Failed to refresh vehicle %s: %v", v.ID, err)
		}
	}
	return true
}

// openRun resumes the dealership's unfinished run when one exists,
// otherwise starts a fresh one.
func (e *Engine) openRun(dealershipID string) (*store.ScrapeRun, bool, error) {
	if run, err := e.store.UnfinishedRun(dealershipID); err == nil && run != nil {
		return run, true, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to check for unfinished run: %w", err)
	}

	run, err := e.store.CreateRun(dealershipID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	return run, false, nil
}

// selectorsFor resolves the selector set for a source: explicit per-source
// overrides first, then the detected platform's table.
func (e *Engine) selectorsFor(src store.SourceConfig) platform.SelectorSet {
	if src.Selectors != nil {
		return *src.Selectors
	}
	tag := src.Platform
	if tag == "" {
		tag = platform.Detect(src.URL, "")
	}
	return platform.Selectors(tag)
}

// browserFor builds the Tier1 browser.
func (e *Engine) browserFor() (browser.Browser, error) {
	return e.newBrowser()
}
