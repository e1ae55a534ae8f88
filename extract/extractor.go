package extract

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/discovery"
	"github.com/tbarron/dealersync/images"
	"github.com/tbarron/dealersync/platform"
	"github.com/tbarron/dealersync/store"
)

// OnVehicle reconciles one extracted vehicle immediately and returns the
// persisted vehicle ID.
type OnVehicle func(item store.QueueItem, v *Vehicle) (uuid.UUID, error)

// Extractor drives queue items through pending -> processing ->
// completed|failed. One page is active at a time; extraction is serialized
// on purpose to keep per-domain pacing predictable.
type Extractor struct {
	Browser browser.Browser
	Store   *store.Store
	Images  *images.Filter
	// Limiter paces navigations per domain.
	Limiter *rate.Limiter
	Logger  *log.Logger

	// RecycleEvery discards and recreates the browser page after this many
	// processed items, carrying cookies forward.
	RecycleEvery int
	// MaxRetries bounds per-item retries after the first attempt.
	MaxRetries int
	// RetryDelay is the base of the linearly increasing retry delay.
	RetryDelay time.Duration
	// ItemPause is the deliberate backpressure between items.
	ItemPause  time.Duration
	NavTimeout time.Duration
	CookieTTL  time.Duration
}

// ProcessQueue works through the pending items in order. Per-item failures
// never fail the run; the counts tell the orchestrator what happened. The
// current item always finishes before a context cancellation is honored.
func (e *Extractor) ProcessQueue(ctx context.Context, domain string, sel platform.SelectorSet, items []store.QueueItem, onVehicle OnVehicle) (int, int, error) {
	page, err := e.newPage(ctx, domain)
	if err != nil {
		return 0, 0, err
	}
	defer page.Close()

	completed, failed := 0, 0
	sinceRecycle := 0

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return completed, failed, err
		}

		if e.RecycleEvery > 0 && sinceRecycle >= e.RecycleEvery {
			page, err = e.recyclePage(ctx, page)
			if err != nil {
				return completed, failed, err
			}
			sinceRecycle = 0
		}

		if err := e.Store.MarkQueueItem(item.ID, store.QueueProcessing, nil, ""); err != nil {
			e.Logger.Printf("ERROR: Failed to mark item %s processing: %v", item.ID, err)
		}

		vehicle, extractErr := e.extractWithRetries(ctx, page, item, domain, sel)
		sinceRecycle++

		if extractErr != nil {
			failed++
			if err := e.Store.MarkQueueItem(item.ID, store.QueueFailed, nil, extractErr.Error()); err != nil {
				e.Logger.Printf("ERROR: Failed to mark item %s failed: %v", item.ID, err)
			}
			e.Logger.Printf("WARN: Item %d permanently failed (%s): %v", item.Position, item.URL, extractErr)
			continue
		}

		if sel.SlugEncoded {
			fillFromSlug(vehicle, item.URL)
		}

		vehicleID, err := onVehicle(item, vehicle)
		if err != nil {
			failed++
			if markErr := e.Store.MarkQueueItem(item.ID, store.QueueFailed, nil, err.Error()); markErr != nil {
				e.Logger.Printf("ERROR: Failed to mark item %s failed: %v", item.ID, markErr)
			}
			e.Logger.Printf("ERROR: Failed to reconcile item %d (%s): %v", item.Position, item.URL, err)
			continue
		}

		completed++
		if err := e.Store.MarkQueueItem(item.ID, store.QueueCompleted, &vehicleID, ""); err != nil {
			e.Logger.Printf("ERROR: Failed to mark item %s completed: %v", item.ID, err)
		}

		e.pace(ctx)
	}

	return completed, failed, nil
}

// extractWithRetries re-enters processing up to MaxRetries times with a
// linearly increasing delay, then gives up for good.
func (e *Extractor) extractWithRetries(ctx context.Context, page browser.Page, item store.QueueItem, domain string, sel platform.SelectorSet) (*Vehicle, error) {
	var lastErr error
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.RetryDelay * time.Duration(attempt))
			if _, err := e.Store.IncrementQueueRetry(item.ID); err != nil {
				e.Logger.Printf("ERROR: Failed to record retry for %s: %v", item.ID, err)
			}
		}

		vehicle, err := e.extractOne(ctx, page, item.URL, domain, sel)
		if err == nil {
			return vehicle, nil
		}
		lastErr = err
		e.Logger.Printf("WARN: Attempt %d failed for %s: %v", attempt+1, item.URL, err)
	}
	return nil, lastErr
}

// extractOne navigates to a detail page and runs the field and image
// cascades. An anti-bot challenge gets exactly one bypass attempt; if the
// block persists the item degrades to its safe-default extraction rather
// than failing the run.
func (e *Extractor) extractOne(ctx context.Context, page browser.Page, pageURL, domain string, sel platform.SelectorSet) (*Vehicle, error) {
	navCtx, cancel := context.WithTimeout(ctx, e.navTimeout())
	defer cancel()

	if err := page.Navigate(navCtx, pageURL); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}

	html, err := page.HTML(navCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	if marker := browser.DetectChallenge(html); marker != "" {
		e.Logger.Printf("WARN: Anti-bot challenge on %s (%s), attempting bypass", pageURL, marker)
		cleared, err := browser.AttemptBypass(navCtx, page)
		if err != nil {
			return nil, fmt.Errorf("bypass attempt failed: %w", err)
		}
		if !cleared {
			if err := e.Store.InvalidateCookies(domain); err != nil {
				e.Logger.Printf("ERROR: Failed to invalidate cookies for %s: %v", domain, err)
			}
			e.Logger.Printf("WARN: Challenge persisted on %s, using safe-default extraction", pageURL)
			return safeDefault(pageURL), nil
		}

		if cookies, err := page.Cookies(navCtx); err == nil {
			if err := e.Store.SaveCookies(domain, cookies, e.CookieTTL); err != nil {
				e.Logger.Printf("ERROR: Failed to cache session for %s: %v", domain, err)
			}
		}
		if html, err = page.HTML(navCtx); err != nil {
			return nil, fmt.Errorf("failed to re-read page after bypass: %w", err)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	vehicle := ExtractFields(doc, sel, pageURL)

	vin := ""
	if vehicle.VIN != nil {
		vin = *vehicle.VIN
	}
	stock := ""
	if vehicle.StockNumber != nil {
		stock = *vehicle.StockNumber
	}

	imgs, diag, err := e.Images.Collect(ctx, page, sel.Gallery, sel.GalleryNext, vin, stock)
	if err != nil {
		e.Logger.Printf("WARN: Image collection failed on %s (%s): %v", pageURL, diag, err)
	}
	vehicle.Images = imgs

	return vehicle, nil
}

// safeDefault is the extraction of last resort: identity from the URL slug
// where available, safe defaults everywhere else.
func safeDefault(pageURL string) *Vehicle {
	v := &Vehicle{
		SourceURL: pageURL,
		Trim:      DefaultTrim,
		BodyType:  DefaultBodyType,
	}
	fillFromSlug(v, pageURL)
	return v
}

func fillFromSlug(v *Vehicle, pageURL string) {
	year, make, model := discovery.ParseSlug(pageURL)
	if v.Year == 0 {
		v.Year = year
	}
	if v.Make == "" {
		v.Make = make
	}
	if v.Model == "" {
		v.Model = model
	}
}

func (e *Extractor) newPage(ctx context.Context, domain string) (browser.Page, error) {
	page, err := e.Browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if cookies := e.Store.LoadCookies(domain); cookies != nil {
		if err := page.SetCookies(ctx, cookies); err != nil {
			e.Logger.Printf("WARN: Failed to restore session for %s: %v", domain, err)
		} else {
			e.Logger.Printf("INFO: Restored cached session for %s (%d cookies)", domain, len(cookies))
		}
	}
	return page, nil
}

// recyclePage bounds resource growth from long-lived sessions: the page is
// discarded and recreated with its cookies carried forward.
func (e *Extractor) recyclePage(ctx context.Context, old browser.Page) (browser.Page, error) {
	cookies, err := old.Cookies(ctx)
	if err != nil {
		e.Logger.Printf("WARN: Failed to read cookies before recycle: %v", err)
	}
	if err := old.Close(); err != nil {
		e.Logger.Printf("WARN: Failed to close page during recycle: %v", err)
	}

	page, err := e.Browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate page: %w", err)
	}
	if len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			e.Logger.Printf("WARN: Failed to carry cookies across recycle: %v", err)
		}
	}
	e.Logger.Printf("INFO: Browser context recycled")
	return page, nil
}

func (e *Extractor) pace(ctx context.Context) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return
		}
	}
	if e.ItemPause > 0 {
		time.Sleep(e.ItemPause)
	}
}

func (e *Extractor) navTimeout() time.Duration {
	if e.NavTimeout > 0 {
		return e.NavTimeout
	}
	return 45 * time.Second
}
