// Package extract pulls per-vehicle fields out of detail pages using
// prioritized strategy cascades, and drives the per-item extraction state
// machine over a run's queue.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tbarron/dealersync/images"
	"github.com/tbarron/dealersync/platform"
)

// Vehicle is the transient extraction result for one listing before
// reconciliation into the persisted store.
type Vehicle struct {
	VIN         *string
	Year        int
	Make        string
	Model       string
	Trim        string
	BodyType    string
	Price       int
	Odometer    int
	StockNumber *string
	Description string
	Badges      []string
	Images      []images.Image
	SourceURL   string
}

// Safe defaults used when every strategy in a cascade misses.
const (
	DefaultTrim     = "Base"
	DefaultBodyType = "Sedan"
)

// Price sanity bounds: anything outside is a payment figure, a typo, or a
// placeholder, never a vehicle price.
const (
	MinValidPrice = 1000
	MaxValidPrice = 500000
)

// paymentKeywords disqualify a price element when they appear in its text,
// class, id, or parent class: those are financing figures, not prices.
var paymentKeywords = []string{
	"/mo", "per month", "monthly", "payment", "finance", "financing",
	"apr", "lease", "bi-weekly", "biweekly", "weekly", "down",
}

var (
	vinPattern      = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	priceLabeled    = regexp.MustCompile(`(?i)(?:price|asking|now|sale)[:\s]*\$\s?([\d,]{4,9})`)
	priceBare       = regexp.MustCompile(`\$\s?([\d,]{4,9})`)
	odometerPattern = regexp.MustCompile(`(?i)([\d,]{1,9})\s*(?:km|kms|mi|miles)\b`)
	digitsOnly      = regexp.MustCompile(`[^\d]`)
)

// ExtractFields runs every field cascade against a parsed detail page.
// Cascades never fail: a total miss yields the field's safe default.
func ExtractFields(doc *goquery.Document, sel platform.SelectorSet, sourceURL string) *Vehicle {
	pageText := doc.Find("body").Text()

	v := &Vehicle{
		SourceURL:   sourceURL,
		Trim:        firstText(doc, sel.Trim, DefaultTrim),
		Description: firstText(doc, sel.Description, ""),
		BodyType:    ClassifyBodyType(pageText),
		Badges:      DetectBadges(pageText),
		Price:       extractPrice(doc, sel.Price, pageText),
		Odometer:    extractOdometer(doc, sel.Odometer, pageText),
	}

	if vin := extractVIN(doc, sel.VIN, pageText); vin != "" {
		v.VIN = &vin
	}
	if stock := firstText(doc, sel.StockNumber, ""); stock != "" {
		v.StockNumber = &stock
	}

	return v
}

// firstText walks a selector cascade and returns the first non-empty
// normalized text, or the fallback.
func firstText(doc *goquery.Document, selectors []string, fallback string) string {
	for _, selector := range selectors {
		text := strings.Join(strings.Fields(doc.Find(selector).First().Text()), " ")
		if text != "" {
			return text
		}
	}
	return fallback
}

func extractVIN(doc *goquery.Document, selectors []string, pageText string) string {
	for _, selector := range selectors {
		var vin string
		doc.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			candidate := vinPattern.FindString(strings.ToUpper(el.Text()))
			if candidate == "" {
				if attr, ok := el.Attr("data-vin"); ok {
					candidate = vinPattern.FindString(strings.ToUpper(attr))
				}
			}
			if candidate != "" {
				vin = candidate
				return false
			}
			return true
		})
		if vin != "" {
			return vin
		}
	}
	return vinPattern.FindString(strings.ToUpper(pageText))
}

// extractPrice tries specific selectors first, rejecting any element whose
// text, class, id, or parent class matches a payment keyword, then falls
// back to labeled regex patterns over the page text. First valid wins.
func extractPrice(doc *goquery.Document, selectors []string, pageText string) int {
	for _, selector := range selectors {
		price := 0
		doc.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if isPaymentElement(el) {
				return true
			}
			if p := parsePrice(el.Text()); validPrice(p) {
				price = p
				return false
			}
			return true
		})
		if price != 0 {
			return price
		}
	}

	for _, pattern := range []*regexp.Regexp{priceLabeled, priceBare} {
		for _, match := range pattern.FindAllStringSubmatch(pageText, 8) {
			if p := parsePrice(match[1]); validPrice(p) {
				return p
			}
		}
	}
	return 0
}

func isPaymentElement(el *goquery.Selection) bool {
	class, _ := el.Attr("class")
	id, _ := el.Attr("id")
	parentClass, _ := el.Parent().Attr("class")
	haystack := strings.ToLower(el.Text() + " " + class + " " + id + " " + parentClass)
	for _, keyword := range paymentKeywords {
		if strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}

func parsePrice(text string) int {
	cleaned := digitsOnly.ReplaceAllString(text, "")
	if cleaned == "" {
		return 0
	}
	price, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0
	}
	return price
}

func validPrice(p int) bool {
	return p >= MinValidPrice && p <= MaxValidPrice
}

func extractOdometer(doc *goquery.Document, selectors []string, pageText string) int {
	for _, selector := range selectors {
		text := doc.Find(selector).First().Text()
		if match := odometerPattern.FindStringSubmatch(text); match != nil {
			return parsePrice(match[1])
		}
		if n := parsePrice(text); n > 0 && n < 1000000 {
			return n
		}
	}
	if match := odometerPattern.FindStringSubmatch(pageText); match != nil {
		return parsePrice(match[1])
	}
	return 0
}

// badgePatterns is a non-exclusive keyword classification over visible page
// text; multiple badges may apply to one vehicle.
var badgePatterns = []struct {
	badge   string
	pattern *regexp.Regexp
}{
	{"One Owner", regexp.MustCompile(`(?i)\bone[- ]owner\b`)},
	{"Accident Free", regexp.MustCompile(`(?i)\b(?:no accidents?|accident[- ]free)\b`)},
	{"Certified Pre-Owned", regexp.MustCompile(`(?i)\b(?:certified pre[- ]owned|\bcpo\b)`)},
	{"Low Mileage", regexp.MustCompile(`(?i)\blow (?:mileage|kms?|miles)\b`)},
	{"New Arrival", regexp.MustCompile(`(?i)\b(?:new arrival|just arrived)\b`)},
	{"Fully Loaded", regexp.MustCompile(`(?i)\bfully loaded\b`)},
}

// DetectBadges returns every badge whose pattern matches the page text.
func DetectBadges(pageText string) []string {
	var badges []string
	for _, entry := range badgePatterns {
		if entry.pattern.MatchString(pageText) {
			badges = append(badges, entry.badge)
		}
	}
	return badges
}

// bodyTypePatterns are checked in order; the first match wins.
var bodyTypePatterns = []struct {
	bodyType string
	pattern  *regexp.Regexp
}{
	{"Truck", regexp.MustCompile(`(?i)\b(?:truck|pickup|crew cab|regular cab|quad cab)\b`)},
	{"SUV", regexp.MustCompile(`(?i)\b(?:suv|crossover|sport utility)\b`)},
	{"Van", regexp.MustCompile(`(?i)\b(?:minivan|cargo van|\bvan\b)`)},
	{"Coupe", regexp.MustCompile(`(?i)\bcoupe\b`)},
	{"Convertible", regexp.MustCompile(`(?i)\b(?:convertible|cabriolet|roadster)\b`)},
	{"Hatchback", regexp.MustCompile(`(?i)\bhatchback\b`)},
	{"Wagon", regexp.MustCompile(`(?i)\b(?:wagon|estate)\b`)},
	{"Sedan", regexp.MustCompile(`(?i)\bsedan\b`)},
}

// ClassifyBodyType picks the first matching body type, with a fixed
// default when nothing matches.
func ClassifyBodyType(pageText string) string {
	for _, entry := range bodyTypePatterns {
		if entry.pattern.MatchString(pageText) {
			return entry.bodyType
		}
	}
	return DefaultBodyType
}
