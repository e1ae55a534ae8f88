package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vehicle is the canonical persisted row for one unit of inventory. Identity
// is (dealership, VIN) when a VIN is known, otherwise (dealership, year,
// make, model). Trim is deliberately excluded from identity because it
// varies between scrapes of the same unit.
type Vehicle struct {
	ID            uuid.UUID `json:"id"`
	DealershipID  string    `json:"dealership_id"`
	VIN           *string   `json:"vin,omitempty"`
	Year          int       `json:"year"`
	Make          string    `json:"make"`
	Model         string    `json:"model"`
	Trim          string    `json:"trim"`
	BodyType      string    `json:"body_type"`
	Price         int       `json:"price"`
	Odometer      int       `json:"odometer"`
	StockNumber   *string   `json:"stock_number,omitempty"`
	Description   string    `json:"description"`
	Badges        []string  `json:"badges"`
	Images        []string  `json:"images"`
	DealRating    *string   `json:"deal_rating,omitempty"`
	ListingURL    string    `json:"listing_url"`
	AltListingURL *string   `json:"alt_listing_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// NormalizeVIN uppercases and trims a VIN so lookups are case-insensitive.
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// UpsertVehicle writes a vehicle keyed by its natural key and reports
// whether a new row was inserted. Repeated upserts with identical data
// converge on one row with a stable identity.
func (s *Store) UpsertVehicle(v *Vehicle) (bool, error) {
	now := time.Now()

	var existingID string
	var createdAt string
	var existingVIN sql.NullString
	var err error

	if v.VIN != nil && *v.VIN != "" {
		normalized := NormalizeVIN(*v.VIN)
		v.VIN = &normalized
		err = s.db.QueryRow(
			`SELECT id, created_at, vin FROM vehicles WHERE dealership_id = ? AND vin = ?`,
			v.DealershipID, normalized,
		).Scan(&existingID, &createdAt, &existingVIN)
		if err == sql.ErrNoRows {
			// The unit may have been first persisted by a degraded run that
			// never saw its VIN. Only VIN-less rows qualify: a row holding a
			// different VIN is a different vehicle.
			err = s.db.QueryRow(
				`SELECT id, created_at, vin FROM vehicles
				 WHERE dealership_id = ? AND vin IS NULL AND year = ? AND lower(make) = lower(?) AND lower(model) = lower(?)
				 ORDER BY last_seen_at DESC LIMIT 1`,
				v.DealershipID, v.Year, v.Make, v.Model,
			).Scan(&existingID, &createdAt, &existingVIN)
		}
	} else {
		err = s.db.QueryRow(
			`SELECT id, created_at, vin FROM vehicles
			 WHERE dealership_id = ? AND year = ? AND lower(make) = lower(?) AND lower(model) = lower(?)
			 ORDER BY last_seen_at DESC LIMIT 1`,
			v.DealershipID, v.Year, v.Make, v.Model,
		).Scan(&existingID, &createdAt, &existingVIN)
	}

	if err == sql.ErrNoRows {
		v.ID = uuid.New()
		v.CreatedAt = now
		v.UpdatedAt = now
		v.LastSeenAt = now

		_, err = s.db.Exec(
			`INSERT INTO vehicles (
				id, dealership_id, vin, year, make, model, trim, body_type,
				price, odometer, stock_number, description, badges, images,
				deal_rating, listing_url, alt_listing_url,
				created_at, updated_at, last_seen_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID.String(), v.DealershipID, v.VIN, v.Year, v.Make, v.Model, v.Trim, v.BodyType,
			v.Price, v.Odometer, v.StockNumber, v.Description, marshalList(v.Badges), marshalList(v.Images),
			v.DealRating, v.ListingURL, v.AltListingURL,
			formatTime(&v.CreatedAt), formatTime(&v.UpdatedAt), formatTime(&v.LastSeenAt),
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert vehicle: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up vehicle: %w", err)
	}

	v.ID, _ = uuid.Parse(existingID)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = now
	v.LastSeenAt = now

	// A fallback-key match may hit a row that already carries a VIN; the
	// incoming VIN-less sighting must not erase it.
	vin := v.VIN
	if vin == nil && existingVIN.Valid {
		keep := existingVIN.String
		vin = &keep
		v.VIN = vin
	}

	_, err = s.db.Exec(
		`UPDATE vehicles SET
			vin = ?, year = ?, make = ?, model = ?, trim = ?, body_type = ?,
			price = ?, odometer = ?, stock_number = ?, description = ?,
			badges = ?, images = ?, listing_url = ?,
			updated_at = ?, last_seen_at = ?
		 WHERE id = ?`,
		vin, v.Year, v.Make, v.Model, v.Trim, v.BodyType,
		v.Price, v.Odometer, v.StockNumber, v.Description,
		marshalList(v.Badges), marshalList(v.Images), v.ListingURL,
		formatTime(&v.UpdatedAt), formatTime(&v.LastSeenAt),
		existingID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update vehicle: %w", err)
	}
	return false, nil
}

// GetVehicle retrieves a vehicle by ID.
func (s *Store) GetVehicle(id uuid.UUID) (*Vehicle, error) {
	row := s.db.QueryRow(vehicleSelect+` WHERE id = ?`, id.String())
	v, err := scanVehicle(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vehicle not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle: %w", err)
	}
	return v, nil
}

// GetVehicleByVIN retrieves a vehicle by its (dealership, VIN) key.
func (s *Store) GetVehicleByVIN(dealershipID, vin string) (*Vehicle, error) {
	row := s.db.QueryRow(vehicleSelect+` WHERE dealership_id = ? AND vin = ?`,
		dealershipID, NormalizeVIN(vin))
	v, err := scanVehicle(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vehicle not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle: %w", err)
	}
	return v, nil
}

// ListVehicles lists all vehicles for a dealership.
func (s *Store) ListVehicles(dealershipID string) ([]Vehicle, error) {
	rows, err := s.db.Query(vehicleSelect+` WHERE dealership_id = ? ORDER BY created_at`, dealershipID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, rows.Err()
}

// CountVehicles returns the persisted inventory size for a dealership.
func (s *Store) CountVehicles(dealershipID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vehicles WHERE dealership_id = ?`, dealershipID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}
	return count, nil
}

// StaleVehicles returns vehicles whose last sighting precedes the cutoff,
// ordered oldest first so deferred deletions favor the longest-stale rows.
func (s *Store) StaleVehicles(dealershipID string, cutoff time.Time) ([]Vehicle, error) {
	rows, err := s.db.Query(
		vehicleSelect+` WHERE dealership_id = ? AND last_seen_at < ? ORDER BY last_seen_at`,
		dealershipID, cutoff.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, rows.Err()
}

// DeleteVehicles removes the given vehicle rows. Only the staleness sweep
// calls this, after both safety gates pass.
func (s *Store) DeleteVehicles(ids []uuid.UUID) (int, error) {
	deleted := 0
	for _, id := range ids {
		result, err := s.db.Exec(`DELETE FROM vehicles WHERE id = ?`, id.String())
		if err != nil {
			return deleted, fmt.Errorf("failed to delete vehicle %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			deleted++
		}
	}
	return deleted, nil
}

// TouchVehicle advances a vehicle's last-seen timestamp without altering any
// field. Used by the revalidation tier.
func (s *Store) TouchVehicle(id uuid.UUID, seenAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE vehicles SET last_seen_at = ?, updated_at = ? WHERE id = ?`,
		seenAt.Format(time.RFC3339), seenAt.Format(time.RFC3339), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch vehicle: %w", err)
	}
	return nil
}

// UpdateVehicleDescription replaces a vehicle's description, used after the
// humanizer pass.
func (s *Store) UpdateVehicleDescription(id uuid.UUID, description string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE vehicles SET description = ?, updated_at = ? WHERE id = ?`,
		description, formatTime(&now), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	return nil
}

// UpdateVehicleEnrichment applies merged secondary-source fields.
func (s *Store) UpdateVehicleEnrichment(v *Vehicle) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE vehicles SET price = ?, odometer = ?, deal_rating = ?, alt_listing_url = ?, images = ?, updated_at = ?
		 WHERE id = ?`,
		v.Price, v.Odometer, v.DealRating, v.AltListingURL, marshalList(v.Images), formatTime(&now), v.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}
	return nil
}

const vehicleSelect = `
	SELECT id, dealership_id, vin, year, make, model, trim, body_type,
	       price, odometer, stock_number, description, badges, images,
	       deal_rating, listing_url, alt_listing_url,
	       created_at, updated_at, last_seen_at
	FROM vehicles`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (*Vehicle, error) {
	var v Vehicle
	var idStr, createdAt, updatedAt, lastSeenAt string
	var vin, stockNumber, badges, images, dealRating, altURL sql.NullString

	err := row.Scan(
		&idStr, &v.DealershipID, &vin, &v.Year, &v.Make, &v.Model, &v.Trim, &v.BodyType,
		&v.Price, &v.Odometer, &stockNumber, &v.Description, &badges, &images,
		&dealRating, &v.ListingURL, &altURL,
		&createdAt, &updatedAt, &lastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	v.ID, _ = uuid.Parse(idStr)
	v.VIN = strPtr(vin)
	v.StockNumber = strPtr(stockNumber)
	v.DealRating = strPtr(dealRating)
	v.AltListingURL = strPtr(altURL)
	v.Badges = unmarshalList(badges)
	v.Images = unmarshalList(images)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	v.LastSeenAt = parseTime(lastSeenAt)
	return &v, nil
}

func marshalList(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(v.String), &values); err != nil {
		return nil
	}
	return values
}
