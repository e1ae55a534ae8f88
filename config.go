package dealersync

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunable parameters. Zero values are filled from
// DefaultConfig when loading.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	Headless     bool   `yaml:"headless"`

	MaxScrollIterations int `yaml:"max_scroll_iterations"`
	ScrollPauseMs       int `yaml:"scroll_pause_ms"`

	ItemDelayMs       int `yaml:"item_delay_ms"`
	DealershipDelayMs int `yaml:"dealership_delay_ms"`

	// RecycleEvery is how many detail pages one browser context serves
	// before being recreated.
	RecycleEvery   int `yaml:"recycle_every"`
	MaxItemRetries int `yaml:"max_item_retries"`
	// TierAttempts is how many times each scraping tier is tried before
	// escalating to the next.
	TierAttempts int `yaml:"tier_attempts"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`

	MarketAPIURL   string `yaml:"market_api_url"`
	DescribeAPIURL string `yaml:"describe_api_url"`
	DescribeAPIKey string `yaml:"describe_api_key"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:        "dealersync.db",
		Headless:            true,
		MaxScrollIterations: 20,
		ScrollPauseMs:       800,
		ItemDelayMs:         1500,
		DealershipDelayMs:   5000,
		RecycleEvery:        10,
		MaxItemRetries:      2,
		TierAttempts:        3,
		RequestsPerSecond:   0.5,
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; you just get the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
