package shipz

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sync/singleflight"
)

// Default parcel values used when a quote request omits them.
const (
	DefaultMinBillableGrams = 1000
	DefaultLengthCm         = 30
	DefaultWidthCm          = 20
	DefaultHeightCm         = 15
)

// ReasonNoRates is the reason for a valid quote that found nothing.
const ReasonNoRates = "no_rates"

// Observability constants for the Quoter.
const (
	// Metrics.
	QuoteRequestsTotal = metricz.Key("quote.requests.total")
	QuoteOKTotal       = metricz.Key("quote.ok.total")
	QuoteNoRatesTotal  = metricz.Key("quote.no_rates.total")
	QuoteErrorsTotal   = metricz.Key("quote.errors.total")
	QuoteSharedTotal   = metricz.Key("quote.shared.total")

	// Spans.
	QuoteRequestSpan = tracez.Key("quote.request")

	// Tags.
	QuoteTagCacheKey = tracez.Tag("quote.cache_key")
	QuoteTagCacheHit = tracez.Tag("quote.cache_hit")
	QuoteTagOptions  = tracez.Tag("quote.options")
	QuoteTagReason   = tracez.Tag("quote.reason")
	QuoteTagError    = tracez.Tag("quote.error")

	// Hook event keys.
	QuoteEventNoRates = hookz.Key("quote.no_rates")
	QuoteEventFailed  = hookz.Key("quote.failed")
)

// QuoteRequest is an incoming quote. Weight and subtotal are optional.
type QuoteRequest struct {
	WeightGrams   *int         `json:"weight_grams,omitempty"`
	SubtotalCents *int64       `json:"subtotal_cents,omitempty"`
	Package       *PackageSpec `json:"package,omitempty"`
	Address       Address      `json:"address"`
}

// Diagnostic echoes what a no-rates quote actually asked the carrier.
type Diagnostic struct {
	Address  NormalizedAddress `json:"address"`
	Attempts []AttemptRecord   `json:"attempts"`
	Package  PackageSpec       `json:"package"`
}

// QuoteResponse is the quote payload. Cached responses are shared between
// callers and must be treated as read-only.
type QuoteResponse struct {
	Diagnostic     *Diagnostic            `json:"diagnostic,omitempty"`
	QuoteID        string                 `json:"quote_id,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	PrimaryOptions []NormalizedRateOption `json:"primary_options,omitempty"`
	AllOptions     []NormalizedRateOption `json:"all_options,omitempty"`
	OK             bool                   `json:"ok"`
}

// ReasonFor maps an error to the public reason enum.
func ReasonFor(err error) string {
	if err == nil {
		return ""
	}
	return string(KindOf(err))
}

// QuoteEvent is emitted via hookz for no-rates outcomes and failures.
type QuoteEvent struct {
	Timestamp  time.Time
	Err        error
	Diagnostic *Diagnostic
	CacheKey   string
	Reason     string
}

// Quoter answers quote requests: validate, normalize, build the parcel,
// consult the cache, fetch, price and select. Both ok and no-rates answers
// are cached; errors are not.
//
// Concurrent misses on the same key share one fetch. The shared fetch runs
// under the context of the caller that started it.
//
// # Observability
//
// Metrics:
//   - quote.requests.total, quote.ok.total, quote.no_rates.total, quote.errors.total
//   - quote.shared.total: requests answered by another caller's fetch
//
// Traces:
//   - quote.request: one span per Quote
//
// Events (via hooks):
//   - quote.no_rates: carries the diagnostic
//   - quote.failed: carries the typed error
type Quoter struct {
	fetcher          *Fetcher
	normalizer       *Normalizer
	cache            RateCache
	group            singleflight.Group
	metrics          *metricz.Registry
	tracer           *tracez.Tracer
	hooks            *hookz.Hooks[QuoteEvent]
	defaultPackage   PackageSpec
	policy           PricingPolicy
	minBillableGrams int
	ttl              time.Duration
	mu               sync.RWMutex
}

// QuoterOption configures a Quoter.
type QuoterOption func(*Quoter)

// WithDefaultPackage sets the parcel used when a request omits one.
func WithDefaultPackage(p PackageSpec) QuoterOption {
	return func(q *Quoter) { q.defaultPackage = p }
}

// WithMinBillableGrams sets the carrier billing floor.
func WithMinBillableGrams(grams int) QuoterOption {
	return func(q *Quoter) { q.minBillableGrams = grams }
}

// WithCacheTTL sets how long answers are cached.
func WithCacheTTL(ttl time.Duration) QuoterOption {
	return func(q *Quoter) { q.ttl = ttl }
}

// NewQuoter wires a Quoter. A nil cache gets a fresh TTLCache.
func NewQuoter(fetcher *Fetcher, normalizer *Normalizer, cache RateCache, policy PricingPolicy, opts ...QuoterOption) *Quoter {
	if normalizer == nil {
		normalizer = NewNormalizer(DefaultCountry)
	}
	if cache == nil {
		cache = NewTTLCache()
	}

	metrics := metricz.New()
	metrics.Counter(QuoteRequestsTotal)
	metrics.Counter(QuoteOKTotal)
	metrics.Counter(QuoteNoRatesTotal)
	metrics.Counter(QuoteErrorsTotal)
	metrics.Counter(QuoteSharedTotal)

	q := &Quoter{
		fetcher:    fetcher,
		normalizer: normalizer,
		cache:      cache,
		policy:     policy,
		defaultPackage: PackageSpec{
			WeightGrams: DefaultMinBillableGrams,
			LengthCm:    DefaultLengthCm,
			WidthCm:     DefaultWidthCm,
			HeightCm:    DefaultHeightCm,
		},
		minBillableGrams: DefaultMinBillableGrams,
		ttl:              DefaultCacheTTL,
		metrics:          metrics,
		tracer:           tracez.New(),
		hooks:            hookz.New[QuoteEvent](),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the pricing policy in use.
func (q *Quoter) Policy() PricingPolicy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.policy
}

// BuildPackage resolves the parcel for req: request package or default
// dimensions, request weight if given, then the billing floor.
func (q *Quoter) BuildPackage(req QuoteRequest) (PackageSpec, error) {
	q.mu.RLock()
	pkg := q.defaultPackage
	floor := q.minBillableGrams
	q.mu.RUnlock()

	if req.Package != nil {
		pkg = *req.Package
	}
	if req.WeightGrams != nil {
		pkg.WeightGrams = *req.WeightGrams
	}
	if err := pkg.Validate(); err != nil {
		return PackageSpec{}, &Error{Kind: KindInvalidDestination, Op: []string{"quote", "package"},
			Field: "package", Err: err}
	}
	return pkg.Clamp(floor), nil
}

// Quote answers req. The error is an *Error; a no-rates answer is not an
// error.
func (q *Quoter) Quote(ctx context.Context, req QuoteRequest) (resp QuoteResponse, err error) {
	q.mu.RLock()
	policy := q.policy
	ttl := q.ttl
	q.mu.RUnlock()

	q.metrics.Counter(QuoteRequestsTotal).Inc()
	ctx, span := q.tracer.StartSpan(ctx, QuoteRequestSpan)
	defer func() {
		if err != nil {
			q.metrics.Counter(QuoteErrorsTotal).Inc()
			span.SetTag(QuoteTagError, err.Error())
			span.SetTag(QuoteTagReason, ReasonFor(err))
		} else {
			span.SetTag(QuoteTagOptions, strconv.Itoa(len(resp.AllOptions)))
			span.SetTag(QuoteTagReason, resp.Reason)
		}
		span.Finish()
	}()

	if q.fetcher == nil {
		return QuoteResponse{}, &Error{Kind: KindConfig, Op: []string{"quote"}, Err: errors.New("fetcher is not configured")}
	}
	if verr := q.normalizer.Validate(req.Address); verr != nil {
		return QuoteResponse{}, newError(KindInvalidDestination, "quote", verr)
	}
	dest := q.normalizer.Normalize(req.Address)
	pkg, err := q.BuildPackage(req)
	if err != nil {
		return QuoteResponse{}, err
	}
	var subtotal int64
	if req.SubtotalCents != nil {
		subtotal = *req.SubtotalCents
	}

	key := CacheKey(dest, pkg.WeightGrams, subtotal)
	span.SetTag(QuoteTagCacheKey, key)

	q.cache.SweepExpired()
	if cached, ok := q.cache.Get(key); ok {
		span.SetTag(QuoteTagCacheHit, "true")
		return cached, nil
	}
	span.SetTag(QuoteTagCacheHit, "false")

	v, ferr, shared := q.group.Do(key, func() (any, error) {
		return q.fetchAndPrice(ctx, key, dest, pkg, subtotal, policy, ttl)
	})
	if shared {
		q.metrics.Counter(QuoteSharedTotal).Inc()
	}
	if ferr != nil {
		_ = q.hooks.Emit(ctx, QuoteEventFailed, QuoteEvent{ //nolint:errcheck
			CacheKey: key, Reason: ReasonFor(ferr), Err: ferr, Timestamp: time.Now(),
		})
		return QuoteResponse{}, ferr
	}
	return v.(QuoteResponse), nil
}

func (q *Quoter) fetchAndPrice(
	ctx context.Context,
	key string,
	dest NormalizedAddress,
	pkg PackageSpec,
	subtotal int64,
	policy PricingPolicy,
	ttl time.Duration,
) (QuoteResponse, error) {
	fetched, err := q.fetcher.FetchRates(ctx, dest, pkg)
	if err != nil {
		return QuoteResponse{}, newError(KindCarrierFetch, "quote", err)
	}

	options := NormalizeRates(fetched.Rates, policy, subtotal)
	if len(options) == 0 {
		resp := QuoteResponse{
			OK:      false,
			QuoteID: uuid.NewString(),
			Reason:  ReasonNoRates,
			Diagnostic: &Diagnostic{
				Address:  dest,
				Package:  pkg,
				Attempts: fetched.Attempts,
			},
		}
		q.cache.Set(key, resp, ttl)
		q.metrics.Counter(QuoteNoRatesTotal).Inc()
		_ = q.hooks.Emit(ctx, QuoteEventNoRates, QuoteEvent{ //nolint:errcheck
			CacheKey: key, Reason: ReasonNoRates, Diagnostic: resp.Diagnostic, Timestamp: time.Now(),
		})
		return resp, nil
	}

	sel := SelectPrimary(options, policy.PrimaryCount)
	resp := QuoteResponse{
		OK:             true,
		QuoteID:        uuid.NewString(),
		PrimaryOptions: sel.Primary,
		AllOptions:     sel.All,
	}
	q.cache.Set(key, resp, ttl)
	q.metrics.Counter(QuoteOKTotal).Inc()
	return resp, nil
}

// Metrics returns the metrics registry for this quoter.
func (q *Quoter) Metrics() *metricz.Registry {
	return q.metrics
}

// Tracer returns the tracer for this quoter.
func (q *Quoter) Tracer() *tracez.Tracer {
	return q.tracer
}

// OnNoRates registers a handler for quotes that found no rates.
func (q *Quoter) OnNoRates(handler func(context.Context, QuoteEvent) error) error {
	_, err := q.hooks.Hook(QuoteEventNoRates, handler)
	return err
}

// OnFailed registers a handler for failed quotes.
func (q *Quoter) OnFailed(handler func(context.Context, QuoteEvent) error) error {
	_, err := q.hooks.Hook(QuoteEventFailed, handler)
	return err
}

// Close releases observability resources. The fetcher and cache are owned
// by the caller.
func (q *Quoter) Close() error {
	if q.tracer != nil {
		q.tracer.Close()
	}
	q.hooks.Close()
	return nil
}
