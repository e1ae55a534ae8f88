// Package images isolates the photos of one specific vehicle from a detail
// page, at maximum resolution, deduplicated. Listing pages surround the
// primary gallery with other vehicles' thumbnails, logos and promotional
// assets; everything here exists to keep those out.
package images

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Confidence is the qualitative trust assigned to an extracted image.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Image sources.
const (
	SourceGalleryActive = "gallery-active"
	SourceGallerySlide  = "gallery-slide"
	SourceDataAttr      = "data-attr"
)

// Image is one accepted vehicle photo.
type Image struct {
	URL             string     `json:"url"`
	Source          string     `json:"source"`
	SlideIndex      int        `json:"slide_index"`
	IsActive        bool       `json:"is_active"`
	MatchesVIN      bool       `json:"matches_vin"`
	Confidence      Confidence `json:"confidence"`
	EstimatedWidth  int        `json:"estimated_width,omitempty"`
	EstimatedHeight int        `json:"estimated_height,omitempty"`
}

// Candidate is a raw extracted image before classification.
type Candidate struct {
	URL        string
	Source     string
	SlideIndex int
	IsActive   bool
}

// Diagnostics records what the filter saw and why it discarded what it
// discarded. Returned even when the result is empty, so a gallery miss is
// observable without replaying the page.
type Diagnostics struct {
	SlidesVisited int            `json:"slides_visited"`
	Extracted     int            `json:"extracted"`
	Accepted      int            `json:"accepted"`
	Discarded     map[string]int `json:"discarded"`
}

func newDiagnostics() Diagnostics {
	return Diagnostics{Discarded: make(map[string]int)}
}

// MinAcceptWidth rejects URL-embedded widths below this as thumbnails.
const MinAcceptWidth = 300

// exclusionPatterns disqualify a gallery candidate when any ancestor's
// class or id matches: those containers hold other vehicles' photos.
var exclusionPatterns = []string{
	"similar", "related", "recommended", "also-viewed", "you-may", "suggested", "recently-viewed",
}

// blockedPatterns reject non-vehicle assets outright.
var blockedPatterns = []string{
	"logo", "icon", "banner", "sprite", "placeholder", "promo",
	"background", "pixel", "tracking", "spinner", "loading",
	"no-photo", "nophoto", "coming-soon", "comingsoon", "award", "button",
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".avif"}

// trustedCDNs accept extension-less URLs from known vehicle photo hosts.
var trustedCDNs = []string{
	"pictures.dealer.com",
	"cdn-ds.com",
	"imagescdn.dealercarsearch.com",
	"images.unitysync.io",
	"photos.dealerimages.com",
	"edealer-cdn.com",
}

// lazyAttrs is the ordered attribute list read per slide; first non-empty
// wins. "src" is the direct source, the rest are lazy-load carriers.
var lazyAttrs = []string{"src", "data-src", "data-lazy", "data-lazy-src", "data-original", "data-flickity-lazyload"}

var backgroundImagePattern = regexp.MustCompile(`background-image\s*:\s*url\(['"]?([^'")]+)['"]?\)`)

// FindGallerySelector walks the prioritized gallery selector list and
// returns the first selector whose match has no excluded ancestor, or ""
// when no usable gallery exists.
func FindGallerySelector(doc *goquery.Document, candidates []string) string {
	for _, selector := range candidates {
		matched := doc.Find(selector).First()
		if matched.Length() == 0 {
			continue
		}
		if hasExcludedAncestor(matched) {
			continue
		}
		return selector
	}
	return ""
}

func hasExcludedAncestor(sel *goquery.Selection) bool {
	excluded := false
	sel.Parents().EachWithBreak(func(_ int, parent *goquery.Selection) bool {
		class, _ := parent.Attr("class")
		id, _ := parent.Attr("id")
		haystack := strings.ToLower(class + " " + id)
		for _, pattern := range exclusionPatterns {
			if strings.Contains(haystack, pattern) {
				excluded = true
				return false
			}
		}
		return true
	})
	return excluded
}

// ExtractSlideImages reads every image URL out of gallery HTML: <img>
// elements via the ordered attribute list, plus inline background-image
// declarations for slides rendered without an img tag.
func ExtractSlideImages(galleryHTML string, slideIndex int) []Candidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(galleryHTML))
	if err != nil {
		return nil
	}

	var candidates []Candidate

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		for _, attr := range lazyAttrs {
			value, ok := img.Attr(attr)
			if !ok || strings.TrimSpace(value) == "" {
				continue
			}
			source := SourceGallerySlide
			if attr != "src" {
				source = SourceDataAttr
			}
			active := isActiveSlide(img)
			if active {
				source = SourceGalleryActive
			}
			candidates = append(candidates, Candidate{
				URL:        strings.TrimSpace(value),
				Source:     source,
				SlideIndex: slideIndex,
				IsActive:   active,
			})
			break
		}
	})

	doc.Find("[style*='background-image']").Each(func(_ int, el *goquery.Selection) {
		style, _ := el.Attr("style")
		match := backgroundImagePattern.FindStringSubmatch(style)
		if match == nil {
			return
		}
		candidates = append(candidates, Candidate{
			URL:        strings.TrimSpace(match[1]),
			Source:     SourceDataAttr,
			SlideIndex: slideIndex,
			IsActive:   isActiveSlide(el),
		})
	})

	return candidates
}

func isActiveSlide(sel *goquery.Selection) bool {
	node := sel
	for i := 0; i < 4 && node.Length() > 0; i++ {
		class, _ := node.Attr("class")
		lowered := strings.ToLower(class)
		if strings.Contains(lowered, "active") || strings.Contains(lowered, "current") {
			return true
		}
		node = node.Parent()
	}
	return false
}

// Acceptable reports whether a URL passes the blocked-pattern and
// format checks, returning the discard reason otherwise.
func Acceptable(rawURL string) (bool, string) {
	lowered := strings.ToLower(rawURL)

	for _, pattern := range blockedPatterns {
		if strings.Contains(lowered, pattern) {
			return false, "blocked-pattern:" + pattern
		}
	}

	if w, _ := EstimateDimensions(rawURL); w > 0 && w < MinAcceptWidth {
		return false, "thumbnail"
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, "unparseable"
	}

	path := strings.ToLower(parsed.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) || strings.Contains(path, ext+"?") {
			return true, ""
		}
	}
	for _, cdn := range trustedCDNs {
		if strings.HasSuffix(parsed.Host, cdn) {
			return true, ""
		}
	}
	return false, "unrecognized-format"
}

var dimensionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/(\d{2,4})x(\d{2,4})/`),
	regexp.MustCompile(`[-_](\d{2,4})x(\d{2,4})\.`),
	regexp.MustCompile(`[?&]w(?:idth)?=(\d{2,4})`),
}

// EstimateDimensions parses width/height tokens embedded in a URL. Zero
// means no token was found.
func EstimateDimensions(rawURL string) (int, int) {
	for _, pattern := range dimensionPatterns {
		match := pattern.FindStringSubmatch(rawURL)
		if match == nil {
			continue
		}
		w, _ := strconv.Atoi(match[1])
		h := 0
		if len(match) > 2 {
			h, _ = strconv.Atoi(match[2])
		}
		return w, h
	}
	return 0, 0
}

// restrictiveParams are query parameters that cap the served rendition.
var restrictiveParams = []string{"w", "h", "width", "height", "size", "maxwidth", "maxheight", "fit", "crop"}

var sizeSegments = map[string]string{
	"thumb": "large", "thumbs": "large", "thumbnail": "large",
	"small": "large", "medium": "large", "resized": "original",
}

var sizeTokenPattern = regexp.MustCompile(`(\d{2,4})x(\d{2,4})`)

// MaximizeResolution rewrites known CDN URL shapes to their largest
// rendition: size tokens grow, restrictive query params are stripped, and
// thumb/small/medium path segments swap for large/original.
func MaximizeResolution(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	query := parsed.Query()
	for _, param := range restrictiveParams {
		query.Del(param)
	}
	parsed.RawQuery = query.Encode()

	segments := strings.Split(parsed.Path, "/")
	for i, segment := range segments {
		if replacement, ok := sizeSegments[strings.ToLower(segment)]; ok {
			segments[i] = replacement
		}
	}
	parsed.Path = strings.Join(segments, "/")

	parsed.Path = sizeTokenPattern.ReplaceAllStringFunc(parsed.Path, func(token string) string {
		match := sizeTokenPattern.FindStringSubmatch(token)
		w, _ := strconv.Atoi(match[1])
		if w >= 1024 {
			return token
		}
		return "1024x768"
	})

	return parsed.String()
}

// NormalizeBase reduces a URL to its dedup key: query stripped and size
// tokens collapsed, so renditions of one photo compare equal.
func NormalizeBase(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""

	path := sizeTokenPattern.ReplaceAllString(parsed.Path, "")
	for token, replacement := range sizeSegments {
		path = strings.ReplaceAll(path, "/"+token+"/", "/"+replacement+"/")
	}
	parsed.Path = path
	return parsed.String()
}

// Select runs classification, confidence scoring, resolution maximization,
// dedup and ordering over raw candidates. vin and stockNumber may be empty.
func Select(candidates []Candidate, vin, stockNumber string, diag *Diagnostics) []Image {
	diag.Extracted += len(candidates)

	var accepted []Image
	seen := make(map[string]bool)

	for _, c := range candidates {
		ok, reason := Acceptable(c.URL)
		if !ok {
			diag.Discarded[reason]++
			continue
		}

		maximized := MaximizeResolution(c.URL)
		base := NormalizeBase(maximized)
		if seen[base] {
			diag.Discarded["duplicate"]++
			continue
		}
		seen[base] = true

		img := Image{
			URL:        maximized,
			Source:     c.Source,
			SlideIndex: c.SlideIndex,
			IsActive:   c.IsActive,
		}
		img.EstimatedWidth, img.EstimatedHeight = EstimateDimensions(maximized)
		img.MatchesVIN = matchesIdentity(maximized, vin, stockNumber)
		img.Confidence = scoreConfidence(img)
		accepted = append(accepted, img)
	}

	// Confidence first, then active slide, then original order.
	sort.SliceStable(accepted, func(i, j int) bool {
		ri, rj := confidenceRank(accepted[i].Confidence), confidenceRank(accepted[j].Confidence)
		if ri != rj {
			return ri < rj
		}
		if accepted[i].IsActive != accepted[j].IsActive {
			return accepted[i].IsActive
		}
		return false
	})

	diag.Accepted += len(accepted)
	return accepted
}

func matchesIdentity(rawURL, vin, stockNumber string) bool {
	lowered := strings.ToLower(rawURL)
	if vin != "" {
		loweredVIN := strings.ToLower(vin)
		if strings.Contains(lowered, loweredVIN) {
			return true
		}
		// Partial match on the serial portion of the VIN.
		if len(loweredVIN) == 17 && strings.Contains(lowered, loweredVIN[9:]) {
			return true
		}
	}
	if stockNumber != "" && strings.Contains(lowered, strings.ToLower(stockNumber)) {
		return true
	}
	return false
}

func scoreConfidence(img Image) Confidence {
	lowered := strings.ToLower(img.URL)
	// Anything textually tied to other vehicles is downgraded no matter
	// where it came from.
	if strings.Contains(lowered, "similar") || strings.Contains(lowered, "related") {
		return ConfidenceLow
	}
	if img.MatchesVIN || img.IsActive {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

func confidenceRank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceMedium:
		return 1
	default:
		return 2
	}
}

// FromDocument extracts and selects gallery images from static HTML without
// slide actuation. Used by the reduced-fidelity acquisition path.
func FromDocument(doc *goquery.Document, gallerySelectors []string, vin, stockNumber string) ([]Image, Diagnostics) {
	diag := newDiagnostics()

	selector := FindGallerySelector(doc, gallerySelectors)
	if selector == "" {
		diag.Discarded["no-gallery"]++
		return nil, diag
	}

	galleryHTML, err := goquery.OuterHtml(doc.Find(selector).First())
	if err != nil {
		diag.Discarded["no-gallery"]++
		return nil, diag
	}

	candidates := ExtractSlideImages(galleryHTML, 0)
	return Select(candidates, vin, stockNumber, &diag), diag
}

// URLs flattens accepted images to their URL list for persistence.
func URLs(imgs []Image) []string {
	urls := make([]string, 0, len(imgs))
	for _, img := range imgs {
		urls = append(urls, img.URL)
	}
	return urls
}

// String renders a compact discard summary for run logs.
func (d Diagnostics) String() string {
	return fmt.Sprintf("slides=%d extracted=%d accepted=%d discarded=%v",
		d.SlidesVisited, d.Extracted, d.Accepted, d.Discarded)
}
