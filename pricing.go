package shipz

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// DefaultPrimaryCount is how many options are surfaced as primary.
const DefaultPrimaryCount = 3

// RawRate is one option exactly as the carrier returned it.
type RawRate struct {
	EtaMinDays      *int   `json:"eta_min_days,omitempty"`
	EtaMaxDays      *int   `json:"eta_max_days,omitempty"`
	Provider        string `json:"provider"`
	Service         string `json:"service"`
	ServiceCode     string `json:"service_code,omitempty"`
	ExternalRateID  string `json:"external_rate_id"`
	TotalPriceCents int64  `json:"total_price_cents"`
}

// NormalizedRateOption is a priced, deduplicated option ready to show a
// customer or persist as a selection.
type NormalizedRateOption struct {
	MarginCents        *int64 `json:"margin_cents,omitempty"`
	CustomerTotalCents *int64 `json:"customer_total_cents,omitempty"`
	OriginalPriceCents *int64 `json:"original_price_cents,omitempty"`
	Code               string `json:"code"`
	Label              string `json:"label"`
	Provider           string `json:"provider"`
	Service            string `json:"service"`
	OptionCode         string `json:"option_code,omitempty"`
	ExternalRateID     string `json:"external_rate_id"`
	EtaMinDays         int    `json:"eta_min_days"`
	EtaMaxDays         int    `json:"eta_max_days"`
	PriceCents         int64  `json:"price_cents"`
	CarrierCents       int64  `json:"carrier_cents"`
	PackagingCents     int64  `json:"packaging_cents"`
}

// PricingPolicy is the injected business configuration.
type PricingPolicy struct {
	MarkupPercent              float64 `json:"markup_percent"`
	HandlingFeeCents           int64   `json:"handling_fee_cents"`
	FreeShippingThresholdCents int64   `json:"free_shipping_threshold_cents"`
	PrimaryCount               int     `json:"primary_count"`
}

// FreeShipping reports whether subtotalCents earns free shipping. A zero
// threshold disables the override.
func (p PricingPolicy) FreeShipping(subtotalCents int64) bool {
	return p.FreeShippingThresholdCents > 0 && subtotalCents >= p.FreeShippingThresholdCents
}

// PriceBreakdown splits a customer price into its parts.
type PriceBreakdown struct {
	CarrierCents   int64
	PackagingCents int64
	MarginCents    int64
	TotalCents     int64
}

// Price applies markup and handling to a carrier price:
//
//	total = roundTo100(round(carrier * (1 + markup/100)) + handling), floored at 0
//
// MarginCents absorbs both the markup and the presentation rounding.
func Price(carrierCents int64, p PricingPolicy) PriceBreakdown {
	marked := int64(math.Round(float64(carrierCents) * (1 + p.MarkupPercent/100)))
	total := roundToUnit(marked + p.HandlingFeeCents)
	if total < 0 {
		total = 0
	}
	return PriceBreakdown{
		CarrierCents:   carrierCents,
		PackagingCents: p.HandlingFeeCents,
		MarginCents:    total - carrierCents - p.HandlingFeeCents,
		TotalCents:     total,
	}
}

// roundToUnit rounds cents to the nearest whole currency unit, halves away
// from zero.
func roundToUnit(cents int64) int64 {
	return int64(math.Round(float64(cents)/100)) * 100
}

type dedupKey struct {
	provider string
	service  string
	etaMax   int
}

// NormalizeRates deduplicates, prices and orders raw carrier rates. Rates
// sharing provider, service and maximum ETA collapse to the cheapest one.
// When the subtotal earns free shipping every option is priced at zero and
// keeps its pre-override price in OriginalPriceCents. The result order is
// fully deterministic for a given input set.
func NormalizeRates(raw []RawRate, p PricingPolicy, subtotalCents int64) []NormalizedRateOption {
	if len(raw) == 0 {
		return []NormalizedRateOption{}
	}

	cheapest := make(map[dedupKey]RawRate, len(raw))
	order := make([]dedupKey, 0, len(raw))
	for _, r := range raw {
		_, etaMax := etaBounds(r)
		k := dedupKey{
			provider: strings.ToLower(strings.TrimSpace(r.Provider)),
			service:  strings.ToLower(strings.TrimSpace(r.Service)),
			etaMax:   etaMax,
		}
		prev, seen := cheapest[k]
		if !seen {
			order = append(order, k)
			cheapest[k] = r
			continue
		}
		if r.TotalPriceCents < prev.TotalPriceCents ||
			(r.TotalPriceCents == prev.TotalPriceCents && r.ExternalRateID < prev.ExternalRateID) {
			cheapest[k] = r
		}
	}

	free := p.FreeShipping(subtotalCents)
	options := make([]NormalizedRateOption, 0, len(order))
	for _, k := range order {
		options = append(options, priceOption(cheapest[k], p, free))
	}

	slices.SortFunc(options, compareOptions)
	return options
}

func priceOption(r RawRate, p PricingPolicy, free bool) NormalizedRateOption {
	etaMin, etaMax := etaBounds(r)
	b := Price(r.TotalPriceCents, p)
	margin := b.MarginCents
	customerTotal := b.TotalCents

	opt := NormalizedRateOption{
		Code:           optionCode(r.Provider, r.Service, etaMax),
		Label:          optionLabel(r.Provider, r.Service, etaMin, etaMax),
		Provider:       strings.TrimSpace(r.Provider),
		Service:        strings.TrimSpace(r.Service),
		OptionCode:     r.ServiceCode,
		ExternalRateID: r.ExternalRateID,
		EtaMinDays:     etaMin,
		EtaMaxDays:     etaMax,
		PriceCents:     b.TotalCents,
		CarrierCents:   b.CarrierCents,
		PackagingCents: b.PackagingCents,
		MarginCents:    &margin,
	}
	if free {
		original := b.TotalCents
		customerTotal = 0
		opt.OriginalPriceCents = &original
		opt.PriceCents = 0
	}
	opt.CustomerTotalCents = &customerTotal
	return opt
}

// compareOptions orders by price, then ETA (unknown last), then provider,
// service and rate id.
func compareOptions(a, b NormalizedRateOption) int {
	if c := cmp.Compare(a.PriceCents, b.PriceCents); c != 0 {
		return c
	}
	if c := cmp.Compare(etaSortKey(a.EtaMaxDays), etaSortKey(b.EtaMaxDays)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Provider, b.Provider); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Service, b.Service); c != 0 {
		return c
	}
	return cmp.Compare(a.ExternalRateID, b.ExternalRateID)
}

func etaSortKey(days int) int {
	if days <= 0 {
		return math.MaxInt
	}
	return days
}

// etaBounds fills a missing bound from the other one. Zero means unknown.
func etaBounds(r RawRate) (int, int) {
	var lo, hi int
	if r.EtaMinDays != nil {
		lo = *r.EtaMinDays
	}
	if r.EtaMaxDays != nil {
		hi = *r.EtaMaxDays
	}
	if hi == 0 {
		hi = lo
	}
	if lo == 0 || lo > hi {
		lo = hi
	}
	return lo, hi
}

func optionCode(provider, service string, etaMax int) string {
	slug := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), "_")
	}
	return slug(provider) + ":" + slug(service) + ":" + strconv.Itoa(etaMax)
}

func optionLabel(provider, service string, etaMin, etaMax int) string {
	name := strings.TrimSpace(strings.TrimSpace(provider) + " " + strings.TrimSpace(service))
	switch {
	case etaMax <= 0:
		return name
	case etaMin == etaMax:
		return fmt.Sprintf("%s (%d days)", name, etaMax)
	default:
		return fmt.Sprintf("%s (%d-%d days)", name, etaMin, etaMax)
	}
}

// RateSelectionSet is the result of SelectPrimary.
type RateSelectionSet struct {
	Primary []NormalizedRateOption `json:"primary"`
	All     []NormalizedRateOption `json:"all"`
}

// SelectPrimary returns the first n options of an already sorted list as
// primary, plus the whole list. n <= 0 uses DefaultPrimaryCount.
func SelectPrimary(options []NormalizedRateOption, n int) RateSelectionSet {
	if n <= 0 {
		n = DefaultPrimaryCount
	}
	all := slices.Clone(options)
	if all == nil {
		all = []NormalizedRateOption{}
	}
	primary := all[:min(n, len(all))]
	return RateSelectionSet{
		Primary: slices.Clone(primary),
		All:     all,
	}
}
