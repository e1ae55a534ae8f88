package dealersync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/discovery"
	"github.com/tbarron/dealersync/extract"
	"github.com/tbarron/dealersync/images"
	"github.com/tbarron/dealersync/platform"
	"github.com/tbarron/dealersync/store"
)

const secondaryUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// primaryAcquisition is Tier1: a full stealth-browser pass. Discovery only
// runs when the run has no persisted queue yet; a resumed run picks up its
// remaining pending items directly.
func (e *Engine) primaryAcquisition(ctx context.Context, src *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun) (*tierResult, error) {
	b, err := e.browserFor()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer b.Close()

	items, err := e.ensureQueue(ctx, b, src, sel, run, e.discoverListings)
	if err != nil {
		return nil, err
	}

	result := &tierResult{}
	extractor := &extract.Extractor{
		Browser: b,
		Store:   e.store,
		Images: &images.Filter{
			SlidePause: 400 * time.Millisecond,
			Logger:     e.logger,
		},
		Limiter:      e.limiter(src.Domain),
		Logger:       e.logger,
		RecycleEvery: e.cfg.RecycleEvery,
		MaxRetries:   e.cfg.MaxItemRetries,
		RetryDelay:   2 * time.Second,
		ItemPause:    time.Duration(e.cfg.ItemDelayMs) * time.Millisecond,
		CookieTTL:    store.DefaultCookieTTL,
	}

	_, _, err = extractor.ProcessQueue(ctx, src.Domain, sel, items, func(item store.QueueItem, v *extract.Vehicle) (uuid.UUID, error) {
		return e.reconcileVehicle(src, v, result)
	})
	if err != nil {
		return nil, fmt.Errorf("queue processing aborted: %w", err)
	}

	// Store counts fold in items completed before a crash on a resumed run.
	// They are also the authoritative failure signal: an exhausted queue
	// whose every item already failed hands ProcessQueue an empty slice, so
	// only the persisted counts can tell that nothing was ever extracted.
	total, done, err := e.store.CountQueueItems(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	if done == 0 {
		return nil, fmt.Errorf("all %d queue items failed", total)
	}
	result.Found = done
	result.Failed = total - done
	result.QueueDone = true
	return result, nil
}

// secondaryAcquisition is Tier2: plain HTTP against the same pages. No
// JavaScript runs, so lazy galleries and scripted fields are out of reach;
// what static HTML carries is still better than nothing.
func (e *Engine) secondaryAcquisition(ctx context.Context, src *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun) (*tierResult, error) {
	// Items the browser tier gave up on get a second chance over plain HTTP.
	if n, err := e.store.RequeueFailedItems(run.ID); err != nil {
		e.logger.Printf("ERROR: Failed to requeue failed items for %s: %v", src.DealershipID, err)
	} else if n > 0 {
		e.logger.Printf("INFO: Requeued %d failed items for static extraction", n)
	}

	items, err := e.ensureQueue(ctx, nil, src, sel, run, e.discoverListingsStatic)
	if err != nil {
		return nil, err
	}

	result := &tierResult{}
	limiter := e.limiter(src.Domain)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		if err := e.store.MarkQueueItem(item.ID, store.QueueProcessing, nil, ""); err != nil {
			e.logger.Printf("ERROR: Failed to mark item %s processing: %v", item.ID, err)
		}

		vehicle, err := e.extractStatic(ctx, item.URL, sel)
		if err != nil {
			if markErr := e.store.MarkQueueItem(item.ID, store.QueueFailed, nil, err.Error()); markErr != nil {
				e.logger.Printf("ERROR: Failed to mark item %s failed: %v", item.ID, markErr)
			}
			e.logger.Printf("WARN: Static extraction failed for %s: %v", item.URL, err)
			continue
		}

		vehicleID, err := e.reconcileVehicle(src, vehicle, result)
		if err != nil {
			if markErr := e.store.MarkQueueItem(item.ID, store.QueueFailed, nil, err.Error()); markErr != nil {
				e.logger.Printf("ERROR: Failed to mark item %s failed: %v", item.ID, markErr)
			}
			continue
		}
		if err := e.store.MarkQueueItem(item.ID, store.QueueCompleted, &vehicleID, ""); err != nil {
			e.logger.Printf("ERROR: Failed to mark item %s completed: %v", item.ID, err)
		}
	}

	total, done, err := e.store.CountQueueItems(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	if done == 0 {
		return nil, fmt.Errorf("static extraction produced no vehicles")
	}
	result.Found = done
	result.Failed = total - done
	result.QueueDone = true
	return result, nil
}

// discoverFunc produces the run's listing URLs. The browser argument is nil
// for tiers that work without one.
type discoverFunc func(ctx context.Context, b browser.Browser, src *store.SourceConfig, sel platform.SelectorSet) ([]string, error)

// ensureQueue returns the run's pending items, running discovery and
// persisting a fresh queue only when the run has none at all.
func (e *Engine) ensureQueue(ctx context.Context, b browser.Browser, src *store.SourceConfig, sel platform.SelectorSet, run *store.ScrapeRun, discover discoverFunc) ([]store.QueueItem, error) {
	items, err := e.store.PendingQueueItems(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if len(items) > 0 {
		e.logger.Printf("INFO: Resuming %d pending queue items (run %s)", len(items), run.ID)
		return items, nil
	}

	total, _, err := e.store.CountQueueItems(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	if total > 0 {
		// Queue exists but nothing is pending; the previous process died
		// after finishing extraction.
		return nil, nil
	}

	urls, err := discover(ctx, b, src, sel)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("discovery found no listings at %s", src.URL)
	}

	items, err = e.store.CreateQueueItems(run.ID, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to persist queue: %w", err)
	}
	e.logger.Printf("INFO: Queued %d listings for %s", len(items), src.DealershipID)
	return items, nil
}

// discoverListings runs browser-based discovery: navigate, clear any
// challenge and consent overlays, scroll until the listing count settles.
func (e *Engine) discoverListings(ctx context.Context, b browser.Browser, src *store.SourceConfig, sel platform.SelectorSet) ([]string, error) {
	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery page: %w", err)
	}
	defer page.Close()

	if cookies := e.store.LoadCookies(src.Domain); cookies != nil {
		if err := page.SetCookies(ctx, cookies); err != nil {
			e.logger.Printf("WARN: Failed to restore session for %s: %v", src.Domain, err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := page.Navigate(navCtx, src.URL); err != nil {
		return nil, fmt.Errorf("failed to open inventory page: %w", err)
	}

	html, err := page.HTML(navCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory page: %w", err)
	}
	if marker := browser.DetectChallenge(html); marker != "" {
		e.logger.Printf("WARN: Anti-bot challenge on %s (%s), attempting bypass", src.URL, marker)
		cleared, err := browser.AttemptBypass(navCtx, page)
		if err != nil {
			return nil, fmt.Errorf("bypass attempt failed: %w", err)
		}
		if !cleared {
			if err := e.store.InvalidateCookies(src.Domain); err != nil {
				e.logger.Printf("ERROR: Failed to invalidate cookies for %s: %v", src.Domain, err)
			}
			return nil, fmt.Errorf("anti-bot challenge (%s) not cleared", marker)
		}
		if cookies, err := page.Cookies(navCtx); err == nil {
			if err := e.store.SaveCookies(src.Domain, cookies, store.DefaultCookieTTL); err != nil {
				e.logger.Printf("ERROR: Failed to cache session for %s: %v", src.Domain, err)
			}
		}
	}
	browser.AcceptConsent(navCtx, page)

	d := &discovery.Discoverer{
		MaxIterations: e.cfg.MaxScrollIterations,
		ScrollPause:   time.Duration(e.cfg.ScrollPauseMs) * time.Millisecond,
		Logger:        e.logger,
	}
	listings, err := d.Discover(ctx, page, src.URL, sel)
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(listings))
	for i, l := range listings {
		urls[i] = l.URL
	}
	return urls, nil
}

// discoverListingsStatic extracts listing URLs from a plain HTTP fetch of
// the inventory page. Whatever the server renders without JavaScript is all
// this tier sees.
func (e *Engine) discoverListingsStatic(ctx context.Context, _ browser.Browser, src *store.SourceConfig, sel platform.SelectorSet) ([]string, error) {
	html, err := e.fetchStatic(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	listings, err := discovery.ExtractListings(html, src.URL, sel)
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(listings))
	for i, l := range listings {
		urls[i] = l.URL
	}
	return urls, nil
}

// extractStatic runs the field cascades over a plain HTTP fetch of a detail
// page. Images come from the settled document only.
func (e *Engine) extractStatic(ctx context.Context, pageURL string, sel platform.SelectorSet) (*extract.Vehicle, error) {
	html, err := e.fetchStatic(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if marker := browser.DetectChallenge(html); marker != "" {
		return nil, fmt.Errorf("anti-bot challenge (%s) blocks static access", marker)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse detail page: %w", err)
	}

	vehicle := extract.ExtractFields(doc, sel, pageURL)
	if sel.SlugEncoded {
		year, make, model := discovery.ParseSlug(pageURL)
		if vehicle.Year == 0 {
			vehicle.Year = year
		}
		if vehicle.Make == "" {
			vehicle.Make = make
		}
		if vehicle.Model == "" {
			vehicle.Model = model
		}
	}

	vin, stock := "", ""
	if vehicle.VIN != nil {
		vin = *vehicle.VIN
	}
	if vehicle.StockNumber != nil {
		stock = *vehicle.StockNumber
	}
	imgs, diag := images.FromDocument(doc, sel.Gallery, vin, stock)
	if len(imgs) == 0 {
		e.logger.Printf("WARN: No images accepted for %s (%s)", pageURL, diag)
	}
	vehicle.Images = imgs

	return vehicle, nil
}

func (e *Engine) fetchStatic(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", secondaryUserAgent)

	resp, err := e.httpCl.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}
