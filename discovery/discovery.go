// Package discovery walks a dealer's inventory index page and produces the
// ordered list of detail-page URLs a run will extract.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/platform"
)

// Listing is one candidate detail page, with coarse identity parsed from
// the URL slug when the platform encodes it.
type Listing struct {
	URL   string
	Year  int
	Make  string
	Model string
}

// Discoverer runs the bounded incremental scroll loop against a live page.
type Discoverer struct {
	// MaxIterations caps the scroll loop regardless of content growth.
	MaxIterations int
	// ScrollPause is how long to wait after each scroll for lazy content.
	ScrollPause time.Duration
	Logger      *log.Logger
}

// Discover scrolls the inventory page until the discovered-item count is
// stable for one iteration (or the cap is hit), then extracts listing URLs
// from the settled DOM. Output order is preserved into queue positions.
func (d *Discoverer) Discover(ctx context.Context, page browser.Page, baseURL string, sel platform.SelectorSet) ([]Listing, error) {
	iterations := d.MaxIterations
	if iterations <= 0 {
		iterations = 20
	}

	before, err := page.Count(ctx, sel.ItemCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count listings: %w", err)
	}

	for i := 0; i < iterations; i++ {
		if err := page.ScrollBy(ctx, 1600); err != nil {
			return nil, fmt.Errorf("failed to scroll inventory page: %w", err)
		}
		time.Sleep(d.ScrollPause)

		after, err := page.Count(ctx, sel.ItemCount)
		if err != nil {
			return nil, fmt.Errorf("failed to count listings: %w", err)
		}

		// Stable for one iteration means the page stopped growing.
		if after <= before {
			break
		}
		before = after
	}

	if d.Logger != nil {
		d.Logger.Printf("INFO: Discovery settled at %d listing elements", before)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory page: %w", err)
	}
	return ExtractListings(html, baseURL, sel)
}

// ExtractListings pulls candidate detail URLs out of inventory-page HTML.
// Link selectors are tried in priority order; the first one that yields any
// links wins. Relative paths resolve against the source URL and duplicates
// collapse by absolute URL, first occurrence winning.
func ExtractListings(html, baseURL string, sel platform.SelectorSet) ([]Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory HTML: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	seen := make(map[string]bool)
	var listings []Listing

	for _, linkSelector := range sel.ListingLinks {
		doc.Find(linkSelector).Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
				return
			}
			if !strings.Contains(href, sel.LinkPattern) {
				return
			}

			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			resolved := base.ResolveReference(ref)
			resolved.Fragment = ""
			abs := resolved.String()

			if seen[abs] {
				return
			}
			seen[abs] = true

			listing := Listing{URL: abs}
			if sel.SlugEncoded {
				listing.Year, listing.Make, listing.Model = ParseSlug(abs)
			}
			listings = append(listings, listing)
		})

		if len(listings) > 0 {
			break
		}
	}

	return listings, nil
}

// ParseSlug extracts coarse year/make/model from a URL whose path encodes
// them as /<year>/<make-slug>/<model-slug>/. Slugs are hyphen-split and
// title-cased. Returns zero values for paths that do not match.
func ParseSlug(rawURL string) (int, string, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", ""
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, segment := range segments {
		year, err := strconv.Atoi(segment)
		if err != nil || year < 1900 || year > 2100 {
			continue
		}
		if i+2 >= len(segments) {
			return year, "", ""
		}
		return year, titleSlug(segments[i+1]), titleSlug(segments[i+2])
	}
	return 0, "", ""
}

func titleSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
