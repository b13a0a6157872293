package shipz

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from SHIPZ_* variables.
// Carrier credentials may be empty; quoting then fails with config_error
// instead of the process refusing to start.
type Config struct {
	CarrierBaseURL string        `env:"SHIPZ_CARRIER_BASE_URL" envDefault:"https://api.skydropx.com/v1"`
	CarrierToken   string        `env:"SHIPZ_CARRIER_TOKEN"`
	CarrierTimeout time.Duration `env:"SHIPZ_CARRIER_TIMEOUT" envDefault:"8s"`

	OriginPostalCode string `env:"SHIPZ_ORIGIN_POSTAL_CODE"`
	OriginState      string `env:"SHIPZ_ORIGIN_STATE"`
	OriginCity       string `env:"SHIPZ_ORIGIN_CITY"`
	OriginLine1      string `env:"SHIPZ_ORIGIN_LINE1"`
	Country          string `env:"SHIPZ_COUNTRY" envDefault:"MX"`

	MarkupPercent              float64 `env:"SHIPZ_MARKUP_PERCENT" envDefault:"0"`
	HandlingFeeCents           int64   `env:"SHIPZ_HANDLING_FEE_CENTS" envDefault:"0"`
	FreeShippingThresholdCents int64   `env:"SHIPZ_FREE_SHIPPING_THRESHOLD_CENTS" envDefault:"0"`
	PrimaryCount               int     `env:"SHIPZ_PRIMARY_COUNT" envDefault:"3"`
	MinBillableGrams           int     `env:"SHIPZ_MIN_BILLABLE_GRAMS" envDefault:"1000"`
	CacheTTLSeconds            int     `env:"SHIPZ_CACHE_TTL_SECONDS" envDefault:"60"`

	PackageLengthCm int `env:"SHIPZ_PACKAGE_LENGTH_CM" envDefault:"30"`
	PackageWidthCm  int `env:"SHIPZ_PACKAGE_WIDTH_CM" envDefault:"20"`
	PackageHeightCm int `env:"SHIPZ_PACKAGE_HEIGHT_CM" envDefault:"15"`

	StoreDriver string `env:"SHIPZ_STORE_DRIVER" envDefault:"memory"`
	StoreDSN    string `env:"SHIPZ_STORE_DSN"`
	HTTPAddr    string `env:"SHIPZ_HTTP_ADDR" envDefault:":8080"`
}

// LoadConfig parses Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadConfigFrom parses Config from an explicit variable set.
func LoadConfigFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks values that would make the engine misbehave. Missing
// carrier credentials are not checked here.
func (c Config) Validate() error {
	switch {
	case c.MarkupPercent < 0:
		return &Error{Kind: KindConfig, Op: []string{"config"}, Field: "SHIPZ_MARKUP_PERCENT",
			Err: fmt.Errorf("must not be negative, got %v", c.MarkupPercent)}
	case c.MinBillableGrams < 1:
		return &Error{Kind: KindConfig, Op: []string{"config"}, Field: "SHIPZ_MIN_BILLABLE_GRAMS",
			Err: fmt.Errorf("must be at least 1, got %d", c.MinBillableGrams)}
	case c.CacheTTLSeconds < 1:
		return &Error{Kind: KindConfig, Op: []string{"config"}, Field: "SHIPZ_CACHE_TTL_SECONDS",
			Err: fmt.Errorf("must be at least 1, got %d", c.CacheTTLSeconds)}
	}
	if err := c.DefaultPackage().Validate(); err != nil {
		return &Error{Kind: KindConfig, Op: []string{"config"}, Field: "SHIPZ_PACKAGE", Err: err}
	}
	return nil
}

// Policy returns the pricing policy.
func (c Config) Policy() PricingPolicy {
	return PricingPolicy{
		MarkupPercent:              c.MarkupPercent,
		HandlingFeeCents:           c.HandlingFeeCents,
		FreeShippingThresholdCents: c.FreeShippingThresholdCents,
		PrimaryCount:               c.PrimaryCount,
	}
}

// Origin returns the ship-from address.
func (c Config) Origin() Address {
	return Address{
		PostalCode: c.OriginPostalCode,
		State:      c.OriginState,
		City:       c.OriginCity,
		Country:    c.Country,
		Line1:      c.OriginLine1,
	}
}

// DefaultPackage returns the parcel used when a request gives no
// dimensions.
func (c Config) DefaultPackage() PackageSpec {
	return PackageSpec{
		WeightGrams: c.MinBillableGrams,
		LengthCm:    c.PackageLengthCm,
		WidthCm:     c.PackageWidthCm,
		HeightCm:    c.PackageHeightCm,
	}
}

// CacheTTL returns the cache window.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
