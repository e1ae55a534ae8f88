package platform

// SelectorSet is the per-platform extraction strategy expressed as data.
// Each field lists candidate selectors in priority order; the extractor
// walks them and takes the first hit.
type SelectorSet struct {
	// ListingLinks are anchor selectors tried on the inventory index page.
	ListingLinks []string `json:"listing_links"`
	// LinkPattern is a substring a detail-page URL must contain to count as
	// a vehicle listing.
	LinkPattern string `json:"link_pattern"`
	// ItemCount is the selector counted while scrolling to detect growth.
	ItemCount string `json:"item_count"`
	// SlugEncoded marks platforms whose detail URLs carry year/make/model.
	SlugEncoded bool `json:"slug_encoded"`

	Price       []string `json:"price"`
	VIN         []string `json:"vin"`
	Odometer    []string `json:"odometer"`
	Trim        []string `json:"trim"`
	StockNumber []string `json:"stock_number"`
	Description []string `json:"description"`

	// Gallery lists primary-gallery candidates in priority order.
	Gallery []string `json:"gallery"`
	// GalleryNext lists slide-advance controls tried before keyboard input.
	GalleryNext []string `json:"gallery_next"`
}

var genericSet = SelectorSet{
	ListingLinks: []string{"a[href*='/inventory/']", "a[href*='/vehicle/']", "a[href*='/vehicles/']", ".vehicle-card a", ".inventory-listing a"},
	LinkPattern:  "/",
	ItemCount:    ".vehicle-card, .inventory-listing, [class*='vehicle-item']",
	Price:        []string{".price .value", ".vehicle-price", "[itemprop='price']", ".price"},
	VIN:          []string{"[itemprop='vehicleIdentificationNumber']", ".vin-value", "[class*='vin']"},
	Odometer:     []string{"[itemprop='mileageFromOdometer']", ".odometer-value", "[class*='mileage']", "[class*='odometer']"},
	Trim:         []string{".vehicle-trim", "[class*='trim']"},
	StockNumber:  []string{".stock-number", "[class*='stock']"},
	Description:  []string{".vehicle-description", "[class*='description']", "#description"},
	Gallery:      []string{".vehicle-gallery", ".photo-gallery", "[class*='gallery']", ".carousel"},
	GalleryNext:  []string{".gallery-next", ".carousel-control-next", "[aria-label='Next']", ".slick-next"},
}

var selectorTables = map[Tag]SelectorSet{
	Generic: genericSet,
	EDealer: {
		ListingLinks: []string{"a.vehicle-link", "a[href*='/vehicles/']"},
		LinkPattern:  "/vehicles/",
		ItemCount:    ".vehicle-list-item",
		SlugEncoded:  true,
		Price:        []string{".vehicle-price .final-price", ".price-block .price", ".vehicle-price"},
		VIN:          []string{".vin-number", "[data-vin]"},
		Odometer:     []string{".vehicle-odometer", ".spec-odometer"},
		Trim:         []string{".vehicle-trim"},
		StockNumber:  []string{".stock-number"},
		Description:  []string{".vehicle-comments", ".vehicle-description"},
		Gallery:      []string{".vehicle-gallery .main-carousel", ".vehicle-gallery"},
		GalleryNext:  []string{".vehicle-gallery .slick-next", ".slick-next"},
	},
	DealerDotCom: {
		ListingLinks: []string{"a[href*='/inventory/']", ".hproduct a.url"},
		LinkPattern:  "/inventory/",
		ItemCount:    ".hproduct, .vehicle-card",
		Price:        []string{".price .value", ".final-price .value", "[itemprop='price']"},
		VIN:          []string{"[itemprop='vehicleIdentificationNumber']", ".vin .value"},
		Odometer:     []string{".odometer .value", "[itemprop='mileageFromOdometer']"},
		Trim:         []string{".trim", "[itemprop='vehicleConfiguration']"},
		StockNumber:  []string{".stock .value"},
		Description:  []string{".vehicle-description", "[itemprop='description']"},
		Gallery:      []string{".media-gallery", ".ddc-gallery"},
		GalleryNext:  []string{".media-gallery .next", ".carousel-control-next"},
	},
	DealerInspire: {
		ListingLinks: []string{"a.vehicle-url", "a[href*='/inventory/']"},
		LinkPattern:  "/inventory/",
		ItemCount:    ".vehicle-card",
		Price:        []string{".price-final", ".vehicle-price .price"},
		VIN:          []string{".vin-display", "[data-vin]"},
		Odometer:     []string{".mileage-display", ".vehicle-mileage"},
		Trim:         []string{".vehicle-trim"},
		StockNumber:  []string{".stock-display"},
		Description:  []string{"#vehicle-comments", ".vehicle-description"},
		Gallery:      []string{"#vehicle-gallery", ".di-gallery"},
		GalleryNext:  []string{"#vehicle-gallery .slick-next", ".slick-next"},
	},
	AutoCorner: {
		ListingLinks: []string{"a[href*='/vehicle/']"},
		LinkPattern:  "/vehicle/",
		ItemCount:    ".inventory-item",
		Price:        []string{".asking-price", ".inventory-price"},
		VIN:          []string{".vin-field"},
		Odometer:     []string{".miles-field"},
		Trim:         []string{".trim-field"},
		StockNumber:  []string{".stock-field"},
		Description:  []string{".vehicle-notes"},
		Gallery:      []string{".photo-carousel"},
		GalleryNext:  []string{".photo-carousel .next"},
	},
}

// Selectors returns the selector set for a platform tag. Unknown tags get
// the generic set, so callers never branch on platform themselves.
func Selectors(tag Tag) SelectorSet {
	if set, ok := selectorTables[tag]; ok {
		return set
	}
	return genericSet
}
