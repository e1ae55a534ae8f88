package images

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tbarron/dealersync/browser"
)

// Filter traverses a live gallery slide by slide and selects the vehicle's
// photos.
type Filter struct {
	// MaxSlides bounds traversal; the real end is cycle detection.
	MaxSlides int
	// SlidePause waits for the gallery animation after each advance.
	SlidePause time.Duration
	Logger     *log.Logger
}

// Collect isolates the primary gallery, actuates every slide, and returns
// the filtered photo set. A page without a discoverable gallery yields an
// empty result plus diagnostics, never an error; errors are reserved for
// the page itself becoming unreadable.
func (f *Filter) Collect(ctx context.Context, page browser.Page, gallerySelectors, nextSelectors []string, vin, stockNumber string) ([]Image, Diagnostics, error) {
	diag := newDiagnostics()

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, diag, fmt.Errorf("failed to read detail page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, diag, fmt.Errorf("failed to parse detail page: %w", err)
	}

	gallerySelector := FindGallerySelector(doc, gallerySelectors)
	if gallerySelector == "" {
		diag.Discarded["no-gallery"]++
		if f.Logger != nil {
			f.Logger.Printf("WARN: No usable gallery found (%s)", diag)
		}
		return nil, diag, nil
	}

	maxSlides := f.MaxSlides
	if maxSlides <= 0 {
		maxSlides = 40
	}

	var candidates []Candidate
	seenURLs := make(map[string]bool)
	lastActive := ""
	repeats := 0

	for slide := 0; slide < maxSlides; slide++ {
		diag.SlidesVisited++

		galleryHTML, err := goquery.OuterHtml(doc.Find(gallerySelector).First())
		if err != nil {
			break
		}

		active := ""
		for _, c := range ExtractSlideImages(galleryHTML, slide) {
			if c.IsActive && active == "" {
				active = c.URL
			}
			if seenURLs[c.URL] {
				continue
			}
			seenURLs[c.URL] = true
			candidates = append(candidates, c)
		}

		// Gallery end: the active image URL repeating across two
		// consecutive steps means the carousel wrapped or stalled.
		if active != "" && active == lastActive {
			repeats++
			if repeats >= 1 {
				break
			}
		} else {
			repeats = 0
		}
		lastActive = active

		f.advance(ctx, page, nextSelectors)
		time.Sleep(f.SlidePause)

		html, err = page.HTML(ctx)
		if err != nil {
			return nil, diag, fmt.Errorf("failed to re-read detail page: %w", err)
		}
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, diag, fmt.Errorf("failed to re-parse detail page: %w", err)
		}
	}

	images := Select(candidates, vin, stockNumber, &diag)
	if f.Logger != nil {
		f.Logger.Printf("INFO: Gallery filter done (%s)", diag)
	}
	return images, diag, nil
}

// advance moves the gallery one slide forward: pagination/next controls
// first, keyboard as the last resort.
func (f *Filter) advance(ctx context.Context, page browser.Page, nextSelectors []string) {
	for _, selector := range nextSelectors {
		if err := page.Click(ctx, selector); err == nil {
			return
		}
	}
	_ = page.Press(ctx, "ArrowRight")
}
