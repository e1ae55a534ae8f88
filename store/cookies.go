package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tbarron/dealersync/browser"
)

// DefaultCookieTTL bounds how long a cached anti-bot session is trusted.
const DefaultCookieTTL = 24 * time.Hour

// SaveCookies persists a domain's session cookies with an issuance time and
// TTL. Called after every successful bypass.
func (s *Store) SaveCookies(domain string, cookies []browser.Cookie, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCookieTTL
	}

	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO cookie_cache (domain, cookies, issued_at, ttl_seconds) VALUES (?, ?, ?, ?)`,
		domain, string(data), formatTime(&now), int64(ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}
	return nil
}

// LoadCookies returns a domain's cached session cookies, or nil when the
// record is missing, expired, corrupt, or lacks the anti-bot clearance
// marker. It fails closed and never returns an error: a bad cache entry is
// indistinguishable from no cache entry.
func (s *Store) LoadCookies(domain string) []browser.Cookie {
	var data, issuedAt string
	var ttlSeconds int64

	err := s.db.QueryRow(
		`SELECT cookies, issued_at, ttl_seconds FROM cookie_cache WHERE domain = ?`, domain,
	).Scan(&data, &issuedAt, &ttlSeconds)
	if err == sql.ErrNoRows || err != nil {
		return nil
	}

	issued := parseTime(issuedAt)
	if issued.IsZero() || time.Since(issued) > time.Duration(ttlSeconds)*time.Second {
		return nil
	}

	var cookies []browser.Cookie
	if err := json.Unmarshal([]byte(data), &cookies); err != nil {
		return nil
	}

	if !browser.HasClearance(cookies) {
		return nil
	}
	return cookies
}

// InvalidateCookies drops a domain's cached session, used after an explicit
// bypass failure.
func (s *Store) InvalidateCookies(domain string) error {
	_, err := s.db.Exec(`DELETE FROM cookie_cache WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("failed to invalidate cookies: %w", err)
	}
	return nil
}
