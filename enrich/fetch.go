package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const fetchUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

var (
	recordVINPattern  = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	recordYearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	nonDigits         = regexp.MustCompile(`[^\d]`)
)

// FetchRecords downloads a marketplace inventory page for a dealership and
// parses its listing cards into records. The marketplace side is static
// HTML; no browser involved.
func FetchRecords(ctx context.Context, client *http.Client, pageURL string) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build marketplace request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch marketplace page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketplace returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read marketplace page: %w", err)
	}

	return ParseRecords(string(body))
}

// ParseRecords extracts listing records from marketplace HTML. Cards are
// matched by a selector cascade; fields come from common marketplace
// attributes and text patterns.
func ParseRecords(html string) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace HTML: %w", err)
	}

	cardSelectors := []string{
		"[data-listing-id]",
		".listing-card",
		".srp-listing",
		"article.listing",
	}

	var records []Record
	for _, cardSelector := range cardSelectors {
		doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
			if r, ok := parseCard(card); ok {
				records = append(records, r)
			}
		})
		if len(records) > 0 {
			break
		}
	}
	return records, nil
}

func parseCard(card *goquery.Selection) (Record, bool) {
	var r Record

	title := cardText(card, "h2", "h3", ".title", ".listing-title")
	if title == "" {
		return r, false
	}
	r.Year, r.Make, r.Model = splitTitle(title)

	if vinAttr, ok := card.Attr("data-vin"); ok {
		if vin := recordVINPattern.FindString(strings.ToUpper(vinAttr)); vin != "" {
			r.VIN = &vin
		}
	}
	if r.VIN == nil {
		if vin := recordVINPattern.FindString(strings.ToUpper(card.Text())); vin != "" {
			r.VIN = &vin
		}
	}

	r.Price = cardNumber(card, ".price", "[data-price]", ".primary-price")
	r.Odometer = cardNumber(card, ".mileage", ".odometer", "[data-mileage]")
	r.DealRating = cardText(card, ".deal-badge", ".deal-rating", "[data-deal-rating]")

	if href, ok := card.Find("a[href]").First().Attr("href"); ok {
		r.ListingURL = href
	}
	card.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok && src != "" {
			r.Images = append(r.Images, src)
		}
	})

	return r, true
}

func cardText(card *goquery.Selection, selectors ...string) string {
	for _, selector := range selectors {
		text := strings.Join(strings.Fields(card.Find(selector).First().Text()), " ")
		if text != "" {
			return text
		}
	}
	return ""
}

func cardNumber(card *goquery.Selection, selectors ...string) int {
	text := cardText(card, selectors...)
	cleaned := nonDigits.ReplaceAllString(text, "")
	if cleaned == "" {
		return 0
	}
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0
	}
	return n
}

// splitTitle parses "<year> <make> <model...>" card titles. The make is the
// first word after the year and the model is everything else; two-word
// makes are close enough for fuzzy matching since model containment
// absorbs the remainder.
func splitTitle(title string) (int, string, string) {
	loc := recordYearPattern.FindStringIndex(title)
	if loc == nil {
		return 0, "", ""
	}
	year, _ := strconv.Atoi(title[loc[0]:loc[1]])

	rest := strings.Fields(title[loc[1]:])
	if len(rest) == 0 {
		return year, "", ""
	}
	if len(rest) == 1 {
		return year, rest[0], ""
	}
	return year, rest[0], strings.Join(rest[1:], " ")
}
