// Package platform maps a dealer website to the extraction strategy used
// against it. Detection is pure and never fails: unknown platforms degrade
// to the generic selector set.
package platform

import (
	"regexp"
	"strings"
)

// Tag identifies the inventory platform a dealer site is built on.
type Tag string

const (
	Generic       Tag = "generic"
	EDealer       Tag = "edealer"
	DealerDotCom  Tag = "dealer.com"
	DealerInspire Tag = "dealerinspire"
	AutoCorner    Tag = "autocorner"
)

// eDealer sites encode year/make/model directly in the inventory path.
var edealerPathPattern = regexp.MustCompile(`(?i)/vehicles/(19|20)\d{2}/[a-z0-9-]+/`)

// urlMarkers are structural URL signals, checked before any page content.
var urlMarkers = []struct {
	match func(string) bool
	tag   Tag
}{
	{func(u string) bool { return edealerPathPattern.MatchString(u) }, EDealer},
	{func(u string) bool { return strings.Contains(u, ".edealer.") }, EDealer},
	{func(u string) bool { return strings.Contains(u, ".dealer.com") }, DealerDotCom},
	{func(u string) bool { return strings.Contains(u, "autocorner") }, AutoCorner},
}

// htmlMarkers are strings embedded by platform runtimes in rendered pages.
var htmlMarkers = []struct {
	marker string
	tag    Tag
}{
	{"edealer", EDealer},
	{"ddc-content", DealerDotCom},
	{"dealer.com", DealerDotCom},
	{"dealerinspire", DealerInspire},
	{"dealer-inspire", DealerInspire},
	{"AutoCorner", AutoCorner},
}

// Detect maps a source URL plus an optional page sample to a platform tag.
// Precedence: structural URL markers, then embedded page markers, then
// Generic. Deterministic and cacheable.
func Detect(rawURL, htmlSample string) Tag {
	lowered := strings.ToLower(rawURL)
	for _, m := range urlMarkers {
		if m.match(lowered) {
			return m.tag
		}
	}

	if htmlSample != "" {
		loweredSample := strings.ToLower(htmlSample)
		for _, m := range htmlMarkers {
			// AutoCorner brands itself with mixed case in page footers.
			if strings.Contains(loweredSample, strings.ToLower(m.marker)) {
				return m.tag
			}
		}
	}

	return Generic
}
