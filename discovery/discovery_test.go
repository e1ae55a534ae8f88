package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbarron/dealersync/browser"
	"github.com/tbarron/dealersync/platform"
)

// scriptedPage is a minimal browser.Page fake: counts follow a script and
// the final HTML is fixed.
type scriptedPage struct {
	counts  []int
	scrolls int
	html    string
}

func (p *scriptedPage) Navigate(ctx context.Context, url string) error { return nil }
func (p *scriptedPage) HTML(ctx context.Context) (string, error)       { return p.html, nil }
func (p *scriptedPage) Eval(ctx context.Context, js string) (string, error) {
	return "", nil
}
func (p *scriptedPage) Click(ctx context.Context, selector string) error { return nil }
func (p *scriptedPage) Press(ctx context.Context, key string) error      { return nil }
func (p *scriptedPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (p *scriptedPage) ScrollBy(ctx context.Context, pixels int) error {
	p.scrolls++
	return nil
}
func (p *scriptedPage) Count(ctx context.Context, selector string) (int, error) {
	i := p.scrolls
	if i >= len(p.counts) {
		i = len(p.counts) - 1
	}
	return p.counts[i], nil
}
func (p *scriptedPage) Cookies(ctx context.Context) ([]browser.Cookie, error) { return nil, nil }
func (p *scriptedPage) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	return nil
}
func (p *scriptedPage) Close() error { return nil }

const inventoryHTML = `
<html><body>
  <div class="vehicle-list">
    <a class="vehicle-link" href="/vehicles/2023/honda/civic/abc">2023 Honda Civic</a>
    <a class="vehicle-link" href="/vehicles/2022/toyota/corolla/def#photos">2022 Toyota Corolla</a>
    <a class="vehicle-link" href="/vehicles/2023/honda/civic/abc">duplicate</a>
    <a class="vehicle-link" href="#">skip anchor</a>
    <a class="vehicle-link" href="javascript:void(0)">skip script</a>
    <a class="vehicle-link" href="/about-us">not a listing</a>
  </div>
</body></html>`

// TestDiscover_StopsWhenCountStable verifies the scroll loop ends once the
// listing count stops growing.
func TestDiscover_StopsWhenCountStable(t *testing.T) {
	page := &scriptedPage{
		counts: []int{10, 20, 30, 30, 30},
		html:   inventoryHTML,
	}
	d := &Discoverer{MaxIterations: 20}

	_, err := d.Discover(context.Background(), page, "https://dealer.example.com/inventory", platform.Selectors(platform.EDealer))
	require.NoError(t, err)

	// Growth at scrolls 1 and 2, stable at 3: loop stops there.
	assert.Equal(t, 3, page.scrolls)
}

// TestDiscover_HonorsIterationCap verifies a page that never settles still
// terminates.
func TestDiscover_HonorsIterationCap(t *testing.T) {
	counts := make([]int, 100)
	for i := range counts {
		counts[i] = i * 10
	}
	page := &scriptedPage{counts: counts, html: inventoryHTML}
	d := &Discoverer{MaxIterations: 5}

	_, err := d.Discover(context.Background(), page, "https://dealer.example.com/inventory", platform.Selectors(platform.EDealer))
	require.NoError(t, err)
	assert.Equal(t, 5, page.scrolls)
}

// TestExtractListings_ResolvesAndDeduplicates verifies URL resolution,
// fragment stripping, link-pattern filtering, and first-seen dedup.
func TestExtractListings_ResolvesAndDeduplicates(t *testing.T) {
	listings, err := ExtractListings(inventoryHTML, "https://dealer.example.com/inventory", platform.Selectors(platform.EDealer))
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, "https://dealer.example.com/vehicles/2023/honda/civic/abc", listings[0].URL)
	assert.Equal(t, "https://dealer.example.com/vehicles/2022/toyota/corolla/def", listings[1].URL)
}

// TestExtractListings_ParsesSlugIdentity verifies slug-encoded platforms
// carry year/make/model out of discovery.
func TestExtractListings_ParsesSlugIdentity(t *testing.T) {
	listings, err := ExtractListings(inventoryHTML, "https://dealer.example.com/inventory", platform.Selectors(platform.EDealer))
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, 2023, listings[0].Year)
	assert.Equal(t, "Honda", listings[0].Make)
	assert.Equal(t, "Civic", listings[0].Model)
}

// TestExtractListings_SelectorCascade verifies the first selector yielding
// links wins and later selectors are not mixed in.
func TestExtractListings_SelectorCascade(t *testing.T) {
	html := `
	<html><body>
	  <a href="/vehicle/one">fallback link</a>
	  <div class="vehicle-card"><a href="/vehicle/two">card link</a></div>
	</body></html>`

	sel := platform.SelectorSet{
		ListingLinks: []string{".vehicle-card a", "a[href*='/vehicle/']"},
		LinkPattern:  "/vehicle/",
	}
	listings, err := ExtractListings(html, "https://dealer.example.com/", sel)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "https://dealer.example.com/vehicle/two", listings[0].URL)
}

// TestParseSlug verifies year/make/model slug parsing.
func TestParseSlug(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		year  int
		make  string
		model string
	}{
		{"standard slug", "https://x.com/vehicles/2021/land-rover/range-rover/id9", 2021, "Land Rover", "Range Rover"},
		{"year too old", "https://x.com/vehicles/1850/ford/model-t/id1", 0, "", ""},
		{"year only", "https://x.com/archive/2020", 2020, "", ""},
		{"no year", "https://x.com/vehicles/ford/focus", 0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			year, make, model := ParseSlug(tt.url)
			assert.Equal(t, tt.year, year)
			assert.Equal(t, tt.make, make)
			assert.Equal(t, tt.model, model)
		})
	}
}
