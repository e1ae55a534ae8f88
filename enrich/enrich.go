// Package enrich cross-references primary inventory against a secondary
// marketplace listing feed, filling gaps and layering additive fields
// without overwriting primary data.
package enrich

import (
	"fmt"
	"strings"

	"github.com/tbarron/dealersync/images"
	"github.com/tbarron/dealersync/store"
)

// Record is one listing from the secondary marketplace.
type Record struct {
	VIN        *string
	Year       int
	Make       string
	Model      string
	Price      int
	Odometer   int
	DealRating string
	ListingURL string
	Images     []string
}

// Fuzzy matching tolerates this much odometer drift between the two sites.
const OdometerWindow = 5000

// Discrepancy records a field where both sides have data and they disagree
// past threshold. Discrepancies are reported, never auto-resolved.
type Discrepancy struct {
	Field     string
	Primary   string
	Secondary string
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: primary=%s secondary=%s", d.Field, d.Primary, d.Secondary)
}

// Match finds the marketplace record for a vehicle. Exact VIN match wins
// outright; otherwise fuzzy matching requires the same year, the same
// normalized make, and model containment in either direction, ranked by
// odometer proximity. A candidate missing its odometer stays eligible but
// ranks worst. Returns nil when nothing matches.
func Match(target *store.Vehicle, candidates []Record) *Record {
	if target.VIN != nil {
		want := strings.ToUpper(strings.TrimSpace(*target.VIN))
		for i := range candidates {
			if candidates[i].VIN == nil {
				continue
			}
			if strings.ToUpper(strings.TrimSpace(*candidates[i].VIN)) == want {
				return &candidates[i]
			}
		}
	}

	best := -1
	bestDistance := 0
	for i := range candidates {
		c := &candidates[i]
		if c.Year != target.Year {
			continue
		}
		if normalizeName(c.Make) != normalizeName(target.Make) {
			continue
		}
		if !modelsOverlap(target.Model, c.Model) {
			continue
		}

		distance := OdometerWindow
		if target.Odometer > 0 && c.Odometer > 0 {
			distance = target.Odometer - c.Odometer
			if distance < 0 {
				distance = -distance
			}
			if distance > OdometerWindow {
				continue
			}
		}

		if best == -1 || distance < bestDistance {
			best = i
			bestDistance = distance
		}
	}

	if best == -1 {
		return nil
	}
	return &candidates[best]
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// modelsOverlap accepts containment either way so "Civic" pairs with
// "Civic Touring" regardless of which site abbreviates.
func modelsOverlap(a, b string) bool {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// Merge layers a matched record onto a vehicle. Primary data always wins:
// secondary values only fill fields the primary extraction missed, plus the
// purely additive deal rating, alternate URL, and photo union. Returns the
// field-level discrepancies found along the way.
func Merge(v *store.Vehicle, r *Record) []Discrepancy {
	var discrepancies []Discrepancy

	if v.Price == 0 {
		v.Price = r.Price
	} else if r.Price > 0 && v.Price != r.Price {
		discrepancies = append(discrepancies, Discrepancy{
			Field:     "price",
			Primary:   fmt.Sprintf("%d", v.Price),
			Secondary: fmt.Sprintf("%d", r.Price),
		})
	}

	if v.Odometer == 0 {
		v.Odometer = r.Odometer
	} else if r.Odometer > 0 {
		drift := v.Odometer - r.Odometer
		if drift < 0 {
			drift = -drift
		}
		if drift > OdometerWindow {
			discrepancies = append(discrepancies, Discrepancy{
				Field:     "odometer",
				Primary:   fmt.Sprintf("%d", v.Odometer),
				Secondary: fmt.Sprintf("%d", r.Odometer),
			})
		}
	}

	if r.DealRating != "" {
		v.DealRating = &r.DealRating
	}
	if r.ListingURL != "" {
		v.AltListingURL = &r.ListingURL
	}

	v.Images = unionPhotos(v.Images, r.Images)

	return discrepancies
}

// unionPhotos appends secondary photos the primary set does not already
// have, comparing by normalized base URL. Primary photos keep their order
// and are never displaced.
func unionPhotos(primary, secondary []string) []string {
	seen := make(map[string]bool, len(primary))
	for _, u := range primary {
		seen[images.NormalizeBase(u)] = true
	}

	merged := primary
	for _, u := range secondary {
		base := images.NormalizeBase(u)
		if seen[base] {
			continue
		}
		seen[base] = true
		merged = append(merged, u)
	}
	return merged
}
