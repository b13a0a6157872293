package shipz

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Stable document keys read by other collaborators of the order record.
const (
	keyShipping        = "shipping"
	keyShippingPricing = "shipping_pricing"
	keyStatus          = "status"
	keyRate            = "rate"
	keyRateUsed        = "rate_used"
)

// ShippingStatus is the lifecycle state of an order's shipping document.
type ShippingStatus string

// Shipping states.
const (
	StatusUnquoted     ShippingStatus = "unquoted"
	StatusQuoted       ShippingStatus = "quoted"
	StatusRateSelected ShippingStatus = "rate_selected"
	StatusLabelCreated ShippingStatus = "label_created"
	StatusInTransit    ShippingStatus = "in_transit"
	StatusDelivered    ShippingStatus = "delivered"
	StatusCancelled    ShippingStatus = "cancelled"
)

var transitions = map[ShippingStatus][]ShippingStatus{
	StatusUnquoted:     {StatusQuoted, StatusRateSelected, StatusCancelled},
	StatusQuoted:       {StatusQuoted, StatusRateSelected, StatusCancelled},
	StatusRateSelected: {StatusRateSelected, StatusLabelCreated, StatusCancelled},
	StatusLabelCreated: {StatusInTransit, StatusCancelled},
	StatusInTransit:    {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether a document may move from one status to
// another. An empty status is treated as unquoted. Delivered and cancelled
// are terminal.
func CanTransition(from, to ShippingStatus) bool {
	if from == "" {
		from = StatusUnquoted
	}
	return slices.Contains(transitions[from], to)
}

// LabelLocked reports whether the status means a label exists and the rate
// can no longer change.
func (s ShippingStatus) LabelLocked() bool {
	switch s {
	case StatusLabelCreated, StatusInTransit, StatusDelivered:
		return true
	}
	return false
}

// RateSnapshot is a quoted option as stored under shipping.rate.
type RateSnapshot struct {
	Code           string `json:"code"`
	Label          string `json:"label,omitempty"`
	Provider       string `json:"provider"`
	Service        string `json:"service"`
	OptionCode     string `json:"option_code,omitempty"`
	ExternalRateID string `json:"external_rate_id"`
	EtaMinDays     int    `json:"eta_min_days,omitempty"`
	EtaMaxDays     int    `json:"eta_max_days,omitempty"`
	PriceCents     int64  `json:"price_cents"`
	CarrierCents   int64  `json:"carrier_cents"`
}

// SnapshotOf captures the persisted view of an option.
func SnapshotOf(o NormalizedRateOption) RateSnapshot {
	return RateSnapshot{
		Code:           o.Code,
		Label:          o.Label,
		Provider:       o.Provider,
		Service:        o.Service,
		OptionCode:     o.OptionCode,
		ExternalRateID: o.ExternalRateID,
		EtaMinDays:     o.EtaMinDays,
		EtaMaxDays:     o.EtaMaxDays,
		PriceCents:     o.PriceCents,
		CarrierCents:   o.CarrierCents,
	}
}

// RateUsed is the billed rate mirrored for audit. Its cents fields are
// nullable on the wire because older writers left them out.
type RateUsed struct {
	AppliedAt          *time.Time `json:"applied_at,omitempty"`
	CarrierCents       *int64     `json:"carrier_cents"`
	PriceCents         *int64     `json:"price_cents"`
	PackagingCents     *int64     `json:"packaging_cents,omitempty"`
	MarginCents        *int64     `json:"margin_cents,omitempty"`
	CustomerTotalCents *int64     `json:"customer_total_cents,omitempty"`
	Code               string     `json:"code,omitempty"`
	Provider           string     `json:"provider,omitempty"`
	Service            string     `json:"service,omitempty"`
	ExternalRateID     string     `json:"external_rate_id,omitempty"`
}

func (r *RateUsed) clone() *RateUsed {
	if r == nil {
		return nil
	}
	out := *r
	out.AppliedAt = clonePtr(r.AppliedAt)
	out.CarrierCents = clonePtr(r.CarrierCents)
	out.PriceCents = clonePtr(r.PriceCents)
	out.PackagingCents = clonePtr(r.PackagingCents)
	out.MarginCents = clonePtr(r.MarginCents)
	out.CustomerTotalCents = clonePtr(r.CustomerTotalCents)
	return &out
}

// CanonicalPricing is the authoritative breakdown stored once a rate is
// selected. RateID ties it to the rate it was computed for; documents
// written before it existed leave it empty.
type CanonicalPricing struct {
	RateID             string `json:"rate_id,omitempty"`
	CarrierCents       int64  `json:"carrier_cents"`
	PackagingCents     int64  `json:"packaging_cents"`
	MarginCents        int64  `json:"margin_cents"`
	TotalCents         int64  `json:"total_cents"`
	CustomerTotalCents int64  `json:"customer_total_cents"`
}

// Positive reports whether the pricing carries committed numbers.
func (p CanonicalPricing) Positive() bool {
	return p.CarrierCents > 0 || p.TotalCents > 0
}

// ShippingState is the shipping sub-document.
type ShippingState struct {
	Rate     *RateSnapshot
	RateUsed *RateUsed
	extra    map[string]json.RawMessage
	Status   ShippingStatus
}

func (s *ShippingState) clone() *ShippingState {
	if s == nil {
		return nil
	}
	out := &ShippingState{
		Status:   s.Status,
		RateUsed: s.RateUsed.clone(),
		extra:    cloneRaw(s.extra),
	}
	if s.Rate != nil {
		r := *s.Rate
		out.Rate = &r
	}
	return out
}

// MarshalJSON writes known fields alongside any keys other writers stored.
func (s ShippingState) MarshalJSON() ([]byte, error) {
	out := cloneRaw(s.extra)
	if out == nil {
		out = make(map[string]json.RawMessage)
	}
	if err := putJSON(out, keyStatus, s.Status, s.Status != ""); err != nil {
		return nil, err
	}
	if err := putJSON(out, keyRate, s.Rate, s.Rate != nil); err != nil {
		return nil, err
	}
	if err := putJSON(out, keyRateUsed, s.RateUsed, s.RateUsed != nil); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads known fields and keeps the rest untouched.
func (s *ShippingState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ShippingState{}
	if err := takeJSON(raw, keyStatus, &s.Status); err != nil {
		return err
	}
	if err := takeJSON(raw, keyRate, &s.Rate); err != nil {
		return err
	}
	if err := takeJSON(raw, keyRateUsed, &s.RateUsed); err != nil {
		return err
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

// Metadata is the shipping document attached to an order. Only Shipping
// and ShippingPricing are owned by the engine; every other top-level key is
// carried through reads and writes unchanged.
//
// Mutate it only through MergePreservingCents.
type Metadata struct {
	Shipping        *ShippingState
	ShippingPricing *CanonicalPricing
	extra           map[string]json.RawMessage
}

// ParseMetadata decodes a stored document. Empty input yields an empty
// document.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Extra returns the raw value of an unowned top-level key.
func (m Metadata) Extra(key string) (json.RawMessage, bool) {
	v, ok := m.extra[key]
	return v, ok
}

// WithExtra returns a copy of m with an unowned top-level key set. It exists
// for collaborators that write their own keys into the same document.
func (m Metadata) WithExtra(key string, value json.RawMessage) Metadata {
	out := m.Clone()
	if out.extra == nil {
		out.extra = make(map[string]json.RawMessage)
	}
	out.extra[key] = slices.Clone(value)
	return out
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	out := Metadata{
		Shipping: m.Shipping.clone(),
		extra:    cloneRaw(m.extra),
	}
	if m.ShippingPricing != nil {
		p := *m.ShippingPricing
		out.ShippingPricing = &p
	}
	return out
}

// Status returns the shipping status, unquoted when absent.
func (m Metadata) Status() ShippingStatus {
	if m.Shipping == nil || m.Shipping.Status == "" {
		return StatusUnquoted
	}
	return m.Shipping.Status
}

// RateUsed returns shipping.rate_used or nil.
func (m Metadata) RateUsed() *RateUsed {
	if m.Shipping == nil {
		return nil
	}
	return m.Shipping.RateUsed
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := cloneRaw(m.extra)
	if out == nil {
		out = make(map[string]json.RawMessage)
	}
	if err := putJSON(out, keyShipping, m.Shipping, m.Shipping != nil); err != nil {
		return nil, err
	}
	if err := putJSON(out, keyShippingPricing, m.ShippingPricing, m.ShippingPricing != nil); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	if err := takeJSON(raw, keyShipping, &m.Shipping); err != nil {
		return err
	}
	if err := takeJSON(raw, keyShippingPricing, &m.ShippingPricing); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.extra = raw
	}
	return nil
}

// ShippingPatch is the engine's intended change to the shipping
// sub-document. Nil fields leave the stored value alone.
type ShippingPatch struct {
	Status   ShippingStatus
	Rate     *RateSnapshot
	RateUsed *RateUsed
}

// MergePreservingCents applies patch on top of existing and returns the new
// document. Neither input is modified.
//
// When canonical is non-nil it becomes shipping_pricing and the cents of
// shipping.rate_used are always taken from it. When canonical is nil the
// stored pricing is kept and any null rate_used cents are back-filled from
// it, so a writer that only changes status can never null them out.
func MergePreservingCents(existing Metadata, patch ShippingPatch, canonical *CanonicalPricing) Metadata {
	out := existing.Clone()
	if out.Shipping == nil {
		out.Shipping = &ShippingState{}
	}
	if patch.Status != "" {
		out.Shipping.Status = patch.Status
	}
	if patch.Rate != nil {
		r := *patch.Rate
		out.Shipping.Rate = &r
	}
	if patch.RateUsed != nil {
		out.Shipping.RateUsed = patch.RateUsed.clone()
	}

	if canonical != nil {
		p := *canonical
		out.ShippingPricing = &p
		if out.Shipping.RateUsed == nil {
			out.Shipping.RateUsed = &RateUsed{}
		}
		stampCents(out.Shipping.RateUsed, p)
		return out
	}

	if out.ShippingPricing != nil && out.ShippingPricing.Positive() && out.Shipping.RateUsed != nil {
		fillCents(out.Shipping.RateUsed, *out.ShippingPricing)
	}
	return out
}

// stampCents overwrites every cents field of r from p.
func stampCents(r *RateUsed, p CanonicalPricing) {
	r.CarrierCents = ptr(p.CarrierCents)
	r.PriceCents = ptr(p.TotalCents)
	r.PackagingCents = ptr(p.PackagingCents)
	r.MarginCents = ptr(p.MarginCents)
	r.CustomerTotalCents = ptr(p.CustomerTotalCents)
}

// fillCents sets only the cents fields of r that are null.
func fillCents(r *RateUsed, p CanonicalPricing) {
	if r.CarrierCents == nil {
		r.CarrierCents = ptr(p.CarrierCents)
	}
	if r.PriceCents == nil {
		r.PriceCents = ptr(p.TotalCents)
	}
	if r.PackagingCents == nil {
		r.PackagingCents = ptr(p.PackagingCents)
	}
	if r.MarginCents == nil {
		r.MarginCents = ptr(p.MarginCents)
	}
	if r.CustomerTotalCents == nil {
		r.CustomerTotalCents = ptr(p.CustomerTotalCents)
	}
}

// Consistency failures.
var (
	ErrRateUsedMissing   = errors.New("shipping_pricing is set but shipping.rate_used is missing")
	ErrRateUsedNullCents = errors.New("shipping.rate_used has null carrier_cents or price_cents")
	ErrNegativePricing   = errors.New("shipping_pricing has negative cents")
)

// CheckConsistency enforces the document invariant: positive canonical
// pricing requires non-null rate_used carrier and price cents. Negative
// canonical values are rejected too.
func CheckConsistency(m Metadata) error {
	p := m.ShippingPricing
	if p == nil {
		return nil
	}
	if p.CarrierCents < 0 || p.PackagingCents < 0 || p.TotalCents < 0 || p.CustomerTotalCents < 0 {
		return &Error{Kind: KindInconsistentMetadata, Op: []string{"check"}, Err: ErrNegativePricing}
	}
	if !p.Positive() {
		return nil
	}
	used := m.RateUsed()
	if used == nil {
		return &Error{Kind: KindInconsistentMetadata, Op: []string{"check"}, Err: ErrRateUsedMissing}
	}
	if used.CarrierCents == nil || used.PriceCents == nil {
		return &Error{Kind: KindInconsistentMetadata, Op: []string{"check"}, Err: ErrRateUsedNullCents}
	}
	return nil
}

// DiffPricing lists the engine-owned fields where stored differs from
// intended. An empty result means the write landed as planned.
func DiffPricing(intended, stored Metadata) []string {
	var diffs []string
	if intended.Status() != stored.Status() {
		diffs = append(diffs, "shipping.status")
	}

	ip, sp := intended.ShippingPricing, stored.ShippingPricing
	switch {
	case (ip == nil) != (sp == nil):
		diffs = append(diffs, keyShippingPricing)
	case ip != nil && *ip != *sp:
		diffs = append(diffs, keyShippingPricing)
	}

	iu, su := intended.RateUsed(), stored.RateUsed()
	switch {
	case (iu == nil) != (su == nil):
		diffs = append(diffs, "shipping.rate_used")
	case iu != nil:
		if !equalPtr(iu.CarrierCents, su.CarrierCents) {
			diffs = append(diffs, "shipping.rate_used.carrier_cents")
		}
		if !equalPtr(iu.PriceCents, su.PriceCents) {
			diffs = append(diffs, "shipping.rate_used.price_cents")
		}
	}
	return diffs
}

func putJSON(dst map[string]json.RawMessage, key string, v any, present bool) error {
	if !present {
		delete(dst, key)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	dst[key] = b
	return nil
}

func takeJSON(src map[string]json.RawMessage, key string, v any) error {
	b, ok := src[key]
	if !ok {
		return nil
	}
	delete(src, key)
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
