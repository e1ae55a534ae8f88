package browser

import (
	"context"
	"strings"
	"time"
)

// challengeMarkers are body-text fragments emitted by interstitial anti-bot
// pages. Ordinary inventory pages never contain these.
var challengeMarkers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Verifying you are human",
	"Just a moment...",
	"Checking your browser before accessing",
	"Access Denied",
	"This request was blocked",
	"cf-challenge",
	"challenge-platform",
}

// DetectChallenge returns the marker that identifies an anti-bot
// interstitial, or "" when the page looks like real content.
func DetectChallenge(html string) string {
	for _, marker := range challengeMarkers {
		if strings.Contains(html, marker) {
			return marker
		}
	}
	return ""
}

// bypassSelectors are tried in order when an interstitial is present. Many
// challenge pages resolve after a single interaction.
var bypassSelectors = []string{
	"input[type='checkbox']",
	"[id*='checkbox']",
	"button:not([disabled])",
	"iframe#main-iframe",
	"div[class*='verify']",
}

var consentSelectors = []string{
	"#didomi-notice-agree-button",
	"button[id*='accept']",
	"button[class*='accept']",
	"button[class*='consent']",
	"#onetrust-accept-btn-handler",
}

// AttemptBypass makes one pass at clearing an anti-bot interstitial by
// clicking likely verification elements, then re-checks the page. It returns
// true when the challenge is gone afterwards. Errors from individual clicks
// are swallowed; only the final page state matters.
func AttemptBypass(ctx context.Context, page Page) (bool, error) {
	for _, selector := range bypassSelectors {
		if err := page.Click(ctx, selector); err != nil {
			continue
		}
		time.Sleep(2 * time.Second)
		break
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return false, err
	}
	return DetectChallenge(html) == "", nil
}

// AcceptConsent dismisses cookie-consent banners when present. Failure is
// irrelevant; the banner simply stays.
func AcceptConsent(ctx context.Context, page Page) {
	for _, selector := range consentSelectors {
		if err := page.Click(ctx, selector); err == nil {
			return
		}
	}
}
