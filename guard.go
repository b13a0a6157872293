package shipz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Guard.
const (
	// Metrics.
	GuardAppliedTotal       = metricz.Key("guard.applied.total")
	GuardRejectedTotal      = metricz.Key("guard.rejected.total")
	GuardAbortedTotal       = metricz.Key("guard.aborted.total")
	GuardWriteFailuresTotal = metricz.Key("guard.write_failures.total")
	GuardMismatchesTotal    = metricz.Key("guard.mismatches.total")
	GuardPricingReusedTotal = metricz.Key("guard.pricing_reused.total")

	// Spans.
	GuardApplySpan = tracez.Key("guard.apply_rate")

	// Tags.
	GuardTagOrderID = tracez.Tag("guard.order_id")
	GuardTagRateID  = tracez.Tag("guard.rate_id")
	GuardTagReused  = tracez.Tag("guard.pricing_reused")
	GuardTagStep    = tracez.Tag("guard.step")
	GuardTagError   = tracez.Tag("guard.error")

	// Hook event keys.
	GuardEventApplied             = hookz.Key("guard.applied")
	GuardEventRejected            = hookz.Key("guard.rejected")
	GuardEventAborted             = hookz.Key("guard.aborted")
	GuardEventPersistenceMismatch = hookz.Key("guard.persistence_mismatch")
)

// Order is the slice of the order aggregate the guard reads.
type Order struct {
	UpdatedAt        time.Time
	ID               string
	Status           string
	ShippingLabelURL string
	TrackingNumber   string
	Metadata         Metadata
	SubtotalCents    int64
}

// HasLabel reports whether a shipping label or tracking number exists.
func (o Order) HasLabel() bool {
	return strings.TrimSpace(o.ShippingLabelURL) != "" || strings.TrimSpace(o.TrackingNumber) != ""
}

// Closed reports whether the order no longer accepts shipping changes.
func (o Order) Closed() bool {
	switch strings.ToLower(o.Status) {
	case "cancelled", "canceled", "refunded":
		return true
	}
	return false
}

// OrderStore is key-indexed document storage for orders. It promises
// single-row atomicity and nothing more.
//
// ReadOrderMetadata returns the document together with the row's
// UpdatedAt, which UpdateOrderShipping accepts back as a freshness token:
// a non-zero expectedUpdatedAt that no longer matches fails with
// ErrConflict. A missing order is ErrOrderNotFound.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (Order, error)
	ReadOrderMetadata(ctx context.Context, id string) (Metadata, time.Time, error)
	UpdateOrderShipping(ctx context.Context, id string, doc Metadata, expectedUpdatedAt time.Time) (Order, error)
}

// RateSelection is the option a customer or admin chose.
type RateSelection struct {
	Option NormalizedRateOption `json:"option"`
	// Reprice discards persisted pricing for the same rate and computes it
	// again from the current policy.
	Reprice bool `json:"reprice,omitempty"`
}

// RateID identifies the selected rate for pricing reuse.
func (s RateSelection) RateID() string {
	if s.Option.ExternalRateID != "" {
		return s.Option.ExternalRateID
	}
	return s.Option.Code
}

// PricingInputs carries the policy and cart values pricing depends on.
// A nil SubtotalCents means the order's own subtotal is used.
type PricingInputs struct {
	SubtotalCents *int64        `json:"subtotal_cents,omitempty"`
	Policy        PricingPolicy `json:"policy"`
}

// ApplyResult describes a successful ApplyRate.
type ApplyResult struct {
	Metadata Metadata
	OrderID  string
	Pricing  CanonicalPricing
	Mismatch []string
	Reused   bool
}

// GuardEvent is emitted via hookz at each guard outcome.
type GuardEvent struct {
	Timestamp time.Time
	Err       error
	OrderID   string
	RateID    string
	Kind      Kind
	Step      string
	Diffs     []string
	Pricing   CanonicalPricing
	Reused    bool
}

// Guard applies a selected rate to an order without ever persisting
// canonical pricing alongside null rate_used cents.
//
// ApplyRate runs these checkpoints strictly in order:
//
//  1. load the order and reject it if a label exists or it is closed
//  2. compute canonical pricing, reusing persisted numbers for the same rate
//  3. build rate_used from that canonical pricing
//  4. re-read the stored document and merge onto the fresh copy
//  5. check the merged document and abort on violation
//  6. write, guarded by the freshness token from step 4
//  7. re-read and compare; a mismatch is reported, not returned
//
// There is no lock across calls. Concurrent writers are narrowed by the
// re-read in step 4 and, with optimistic concurrency on, caught by the
// freshness token in step 6.
//
// # Observability
//
// Metrics:
//   - guard.applied.total: successful applications
//   - guard.rejected.total: label, closed and not-found rejections
//   - guard.aborted.total: pre-write consistency aborts
//   - guard.write_failures.total: store write failures
//   - guard.mismatches.total: post-write verification mismatches
//   - guard.pricing_reused.total: applications that kept persisted pricing
//
// Traces:
//   - guard.apply_rate: one span per call, tagged with the failing step
//
// Events (via hooks):
//   - guard.applied, guard.rejected, guard.aborted
//   - guard.persistence_mismatch: post-write verification found a difference
type Guard struct {
	store      OrderStore
	clock      clockz.Clock
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
	hooks      *hookz.Hooks[GuardEvent]
	mu         sync.RWMutex
	optimistic bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock sets the clock used for applied_at stamps.
func WithGuardClock(clock clockz.Clock) GuardOption {
	return func(g *Guard) { g.clock = clock }
}

// WithOptimisticConcurrency toggles the freshness token on writes.
func WithOptimisticConcurrency(enabled bool) GuardOption {
	return func(g *Guard) { g.optimistic = enabled }
}

// NewGuard creates a Guard over store.
func NewGuard(store OrderStore, opts ...GuardOption) *Guard {
	metrics := metricz.New()
	metrics.Counter(GuardAppliedTotal)
	metrics.Counter(GuardRejectedTotal)
	metrics.Counter(GuardAbortedTotal)
	metrics.Counter(GuardWriteFailuresTotal)
	metrics.Counter(GuardMismatchesTotal)
	metrics.Counter(GuardPricingReusedTotal)

	g := &Guard{
		store:      store,
		optimistic: true,
		metrics:    metrics,
		tracer:     tracez.New(),
		hooks:      hookz.New[GuardEvent](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) getClock() clockz.Clock {
	if g.clock == nil {
		return clockz.RealClock
	}
	return g.clock
}

// ApplyRate commits sel as the order's shipping rate.
func (g *Guard) ApplyRate(ctx context.Context, orderID string, sel RateSelection, in PricingInputs) (result ApplyResult, err error) {
	g.mu.RLock()
	store := g.store
	optimistic := g.optimistic
	clock := g.getClock()
	g.mu.RUnlock()

	rateID := sel.RateID()
	ctx, span := g.tracer.StartSpan(ctx, GuardApplySpan)
	span.SetTag(GuardTagOrderID, orderID)
	span.SetTag(GuardTagRateID, rateID)
	step := "validate"
	defer func() {
		if err != nil {
			span.SetTag(GuardTagStep, step)
			span.SetTag(GuardTagError, err.Error())
		}
		span.Finish()
	}()

	if store == nil {
		return ApplyResult{}, &Error{Kind: KindConfig, Op: []string{"apply_rate"},
			Err: errors.New("order store is not configured"), Timestamp: clock.Now()}
	}

	if sel.Option.CarrierCents <= 0 {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, &Error{
			Kind: KindInvalidRate, Op: []string{"apply_rate"}, Field: "option.carrier_cents", Timestamp: clock.Now(),
			Err: errors.New("rate " + rateID + " has no carrier price"),
		})
	}

	// 1. Load and reject.
	step = "load"
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, storeError(KindInternal, "get_order", err))
	}
	if order.HasLabel() || order.Metadata.Status().LabelLocked() {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, &Error{
			Kind: KindLabelAlreadyCreated, Op: []string{"apply_rate"}, Timestamp: clock.Now(),
			Err: errors.New("order " + orderID + " already has a shipping label"),
		})
	}
	if order.Closed() || order.Metadata.Status() == StatusCancelled {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, &Error{
			Kind: KindOrderClosed, Op: []string{"apply_rate"}, Timestamp: clock.Now(),
			Err: errors.New("order " + orderID + " is closed"),
		})
	}

	// 2. Canonical pricing.
	step = "price"
	subtotal := order.SubtotalCents
	if in.SubtotalCents != nil {
		subtotal = *in.SubtotalCents
	}
	canonical, reused := canonicalPricing(order.Metadata.ShippingPricing, sel, in.Policy, subtotal)
	span.SetTag(GuardTagReused, boolTag(reused))
	if reused {
		g.metrics.Counter(GuardPricingReusedTotal).Inc()
	}

	// 3. rate_used from canonical.
	now := clock.Now()
	snapshot := SnapshotOf(sel.Option)
	used := &RateUsed{
		AppliedAt:      &now,
		Code:           sel.Option.Code,
		Provider:       sel.Option.Provider,
		Service:        sel.Option.Service,
		ExternalRateID: sel.Option.ExternalRateID,
	}
	stampCents(used, canonical)
	patch := ShippingPatch{Status: StatusRateSelected, Rate: &snapshot, RateUsed: used}

	// 4. Re-read and merge onto the fresh document.
	step = "reread"
	fresh, token, err := store.ReadOrderMetadata(ctx, orderID)
	if err != nil {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, storeError(KindInternal, "read_metadata", err))
	}
	if fresh.Status().LabelLocked() {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, &Error{
			Kind: KindLabelAlreadyCreated, Op: []string{"apply_rate"}, Timestamp: clock.Now(),
			Err: errors.New("label created concurrently for order " + orderID),
		})
	}
	if fresh.Status() == StatusCancelled {
		return ApplyResult{}, g.reject(ctx, orderID, rateID, step, &Error{
			Kind: KindOrderClosed, Op: []string{"apply_rate"}, Timestamp: clock.Now(),
			Err: errors.New("order " + orderID + " cancelled concurrently"),
		})
	}
	intended := MergePreservingCents(fresh, patch, &canonical)

	// 5. Pre-write guardrail.
	step = "check"
	if cerr := CheckConsistency(intended); cerr != nil {
		err = newError(KindInconsistentMetadata, "apply_rate", cerr)
		g.metrics.Counter(GuardAbortedTotal).Inc()
		_ = g.hooks.Emit(ctx, GuardEventAborted, GuardEvent{ //nolint:errcheck
			OrderID: orderID, RateID: rateID, Kind: KindInconsistentMetadata, Step: step,
			Err: err, Pricing: canonical, Reused: reused, Timestamp: clock.Now(),
		})
		return ApplyResult{}, err
	}

	// 6. Write.
	step = "write"
	if !optimistic {
		token = time.Time{}
	}
	if _, werr := store.UpdateOrderShipping(ctx, orderID, intended, token); werr != nil {
		if errors.Is(werr, ErrOrderNotFound) {
			return ApplyResult{}, g.reject(ctx, orderID, rateID, step, storeError(KindNotFound, "update_shipping", werr))
		}
		g.metrics.Counter(GuardWriteFailuresTotal).Inc()
		err = &Error{Kind: KindUpdateFailed, Op: []string{"apply_rate", "update_shipping"}, Err: werr, Timestamp: clock.Now()}
		_ = g.hooks.Emit(ctx, GuardEventAborted, GuardEvent{ //nolint:errcheck
			OrderID: orderID, RateID: rateID, Kind: KindUpdateFailed, Step: step,
			Err: err, Pricing: canonical, Reused: reused, Timestamp: clock.Now(),
		})
		return ApplyResult{}, err
	}

	// 7. Post-write verification.
	step = "verify"
	stored, _, rerr := store.ReadOrderMetadata(ctx, orderID)
	var diffs []string
	switch {
	case rerr != nil:
		diffs = []string{"reread: " + rerr.Error()}
	default:
		diffs = DiffPricing(intended, stored)
		if cerr := CheckConsistency(stored); cerr != nil {
			diffs = append(diffs, cerr.Error())
		}
	}
	if len(diffs) > 0 {
		g.metrics.Counter(GuardMismatchesTotal).Inc()
		_ = g.hooks.Emit(ctx, GuardEventPersistenceMismatch, GuardEvent{ //nolint:errcheck
			OrderID: orderID, RateID: rateID, Kind: KindInconsistentMetadata, Step: step,
			Err: rerr, Diffs: diffs, Pricing: canonical, Reused: reused, Timestamp: clock.Now(),
		})
	}

	g.metrics.Counter(GuardAppliedTotal).Inc()
	_ = g.hooks.Emit(ctx, GuardEventApplied, GuardEvent{ //nolint:errcheck
		OrderID: orderID, RateID: rateID, Step: step,
		Pricing: canonical, Reused: reused, Diffs: diffs, Timestamp: clock.Now(),
	})
	return ApplyResult{
		OrderID:  orderID,
		Pricing:  canonical,
		Reused:   reused,
		Metadata: intended,
		Mismatch: diffs,
	}, nil
}

// canonicalPricing keeps persisted pricing when it already fixes a total
// for the same rate, and prices the selection otherwise.
func canonicalPricing(persisted *CanonicalPricing, sel RateSelection, policy PricingPolicy, subtotalCents int64) (CanonicalPricing, bool) {
	rateID := sel.RateID()
	if !sel.Reprice && persisted != nil && persisted.Positive() &&
		(persisted.RateID == "" || persisted.RateID == rateID) {
		p := *persisted
		p.RateID = rateID
		return p, true
	}
	b := Price(sel.Option.CarrierCents, policy)
	customerTotal := b.TotalCents
	if policy.FreeShipping(subtotalCents) {
		customerTotal = 0
	}
	return CanonicalPricing{
		RateID:             rateID,
		CarrierCents:       b.CarrierCents,
		PackagingCents:     b.PackagingCents,
		MarginCents:        b.MarginCents,
		TotalCents:         b.TotalCents,
		CustomerTotalCents: customerTotal,
	}, false
}

func (g *Guard) reject(ctx context.Context, orderID, rateID, step string, err *Error) error {
	if err.Timestamp.IsZero() {
		err.Timestamp = g.getClock().Now()
	}
	g.metrics.Counter(GuardRejectedTotal).Inc()
	_ = g.hooks.Emit(ctx, GuardEventRejected, GuardEvent{ //nolint:errcheck
		OrderID: orderID, RateID: rateID, Kind: err.Kind, Step: step, Err: err, Timestamp: err.Timestamp,
	})
	return err
}

// storeError maps store failures onto kinds: a missing order is not_found,
// anything else keeps the given kind.
func storeError(kind Kind, op string, err error) *Error {
	if errors.Is(err, ErrOrderNotFound) {
		kind = KindNotFound
	}
	return newError(kind, op, err)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Metrics returns the metrics registry for this guard.
func (g *Guard) Metrics() *metricz.Registry {
	return g.metrics
}

// Tracer returns the tracer for this guard.
func (g *Guard) Tracer() *tracez.Tracer {
	return g.tracer
}

// OnApplied registers a handler for successful applications.
func (g *Guard) OnApplied(handler func(context.Context, GuardEvent) error) error {
	_, err := g.hooks.Hook(GuardEventApplied, handler)
	return err
}

// OnRejected registers a handler for business-rule and lookup rejections.
func (g *Guard) OnRejected(handler func(context.Context, GuardEvent) error) error {
	_, err := g.hooks.Hook(GuardEventRejected, handler)
	return err
}

// OnAborted registers a handler for pre-write aborts and failed writes.
func (g *Guard) OnAborted(handler func(context.Context, GuardEvent) error) error {
	_, err := g.hooks.Hook(GuardEventAborted, handler)
	return err
}

// OnPersistenceMismatch registers a handler for post-write verification
// failures. These indicate a store bug or a concurrent writer and never
// fail the call that detected them.
func (g *Guard) OnPersistenceMismatch(handler func(context.Context, GuardEvent) error) error {
	_, err := g.hooks.Hook(GuardEventPersistenceMismatch, handler)
	return err
}

// Close releases observability resources.
func (g *Guard) Close() error {
	if g.tracer != nil {
		g.tracer.Close()
	}
	g.hooks.Close()
	return nil
}
