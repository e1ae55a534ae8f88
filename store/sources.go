package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/tbarron/dealersync/platform"
)

// SourceConfig describes one dealership inventory source. Loaded at run
// start and treated as immutable for the duration of a run.
type SourceConfig struct {
	ID            uuid.UUID             `json:"id"`
	DealershipID  string                `json:"dealership_id"`
	Name          string                `json:"name"`
	URL           string                `json:"url"`
	Domain        string                `json:"domain"`
	Platform      platform.Tag          `json:"platform,omitempty"`
	Selectors     *platform.SelectorSet `json:"selectors,omitempty"`
	EnrichmentURL *string               `json:"enrichment_url,omitempty"`
	Enabled       bool                  `json:"enabled"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// CreateSource registers an inventory source. The domain is derived from
// the URL; an empty platform means detect at run time.
func (s *Store) CreateSource(dealershipID, name, rawURL string, tag platform.Tag, selectors *platform.SelectorSet, enrichmentURL *string) (*SourceConfig, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q", rawURL)
	}

	now := time.Now()
	src := &SourceConfig{
		ID:            uuid.New(),
		DealershipID:  dealershipID,
		Name:          name,
		URL:           rawURL,
		Domain:        parsed.Host,
		Platform:      tag,
		Selectors:     selectors,
		EnrichmentURL: enrichmentURL,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var selectorJSON any
	if selectors != nil {
		data, err := json.Marshal(selectors)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal selectors: %w", err)
		}
		selectorJSON = string(data)
	}

	_, err = s.db.Exec(
		`INSERT INTO source_configs (id, dealership_id, name, url, domain, platform, selectors, enrichment_url, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		src.ID.String(), dealershipID, name, rawURL, src.Domain, string(tag),
		selectorJSON, enrichmentURL, formatTime(&now), formatTime(&now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert source: %w", err)
	}
	return src, nil
}

// ListSources returns enabled sources, oldest first so run ordering is
// stable. An empty dealershipID lists every dealership's sources.
func (s *Store) ListSources(dealershipID string) ([]SourceConfig, error) {
	query := `
		SELECT id, dealership_id, name, url, domain, platform, selectors, enrichment_url, enabled, created_at, updated_at
		FROM source_configs WHERE enabled = 1`
	args := []any{}
	if dealershipID != "" {
		query += ` AND dealership_id = ?`
		args = append(args, dealershipID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []SourceConfig
	for rows.Next() {
		var src SourceConfig
		var idStr, tagStr, createdAt, updatedAt string
		var selectors, enrichmentURL sql.NullString
		var enabled int

		err := rows.Scan(&idStr, &src.DealershipID, &src.Name, &src.URL, &src.Domain,
			&tagStr, &selectors, &enrichmentURL, &enabled, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}

		src.ID, _ = uuid.Parse(idStr)
		src.Platform = platform.Tag(tagStr)
		src.Enabled = enabled != 0
		src.EnrichmentURL = strPtr(enrichmentURL)
		src.CreatedAt = parseTime(createdAt)
		src.UpdatedAt = parseTime(updatedAt)

		if selectors.Valid {
			var set platform.SelectorSet
			if err := json.Unmarshal([]byte(selectors.String), &set); err != nil {
				return nil, fmt.Errorf("failed to unmarshal selectors: %w", err)
			}
			src.Selectors = &set
		}

		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DisableSource switches a source off without deleting its history.
func (s *Store) DisableSource(id uuid.UUID) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE source_configs SET enabled = 0, updated_at = ? WHERE id = ?`,
		formatTime(&now), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to disable source: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("source not found")
	}
	return nil
}
