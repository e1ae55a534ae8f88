// Package browser abstracts the automation capability the sync engine
// drives. The engine only ever talks to Page, so tests can substitute a
// scripted fake and the rod-backed implementation stays swappable.
package browser

import (
	"context"
	"time"
)

// ClearanceCookie is the anti-bot clearance marker. A cached session is
// only considered valid when this cookie is present, regardless of TTL.
const ClearanceCookie = "cf_clearance"

// Cookie is a browser cookie detached from any automation backend, so it
// can be serialized into the session cache.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// HasClearance reports whether the cookie set contains the anti-bot
// clearance marker.
func HasClearance(cookies []Cookie) bool {
	for _, c := range cookies {
		if c.Name == ClearanceCookie && c.Value != "" {
			return true
		}
	}
	return false
}

// Page is the minimal per-tab capability surface: navigate, read, actuate.
// Implementations must treat every call as cancellable via ctx.
type Page interface {
	// Navigate loads the URL and waits for the document to settle.
	Navigate(ctx context.Context, url string) error
	// HTML returns the current serialized DOM.
	HTML(ctx context.Context) (string, error)
	// Eval runs a JavaScript expression and returns its string value.
	Eval(ctx context.Context, js string) (string, error)
	// Click clicks the first element matching the selector.
	Click(ctx context.Context, selector string) error
	// Press sends a keyboard key ("ArrowRight", "Escape", "Enter").
	Press(ctx context.Context, key string) error
	// WaitVisible blocks until the selector is visible or the timeout hits.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// ScrollBy scrolls the viewport vertically by the given pixel delta.
	ScrollBy(ctx context.Context, pixels int) error
	// Count returns how many elements currently match the selector.
	Count(ctx context.Context, selector string) (int, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Close() error
}

// Browser creates pages. One page is active at a time per run; the engine
// discards and recreates pages to bound resource growth.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}
