package shipz

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Backoff bounds for the retry after an empty carrier answer.
const (
	MinEmptyBackoff   = 250 * time.Millisecond
	MaxEmptyBackoff   = 500 * time.Millisecond
	DefaultMaxRetries = 1
)

// Observability constants for the Fetcher.
const (
	// Metrics.
	FetchRequestsTotal  = metricz.Key("fetch.requests.total")
	FetchCallsTotal     = metricz.Key("fetch.calls.total")
	FetchRetriesTotal   = metricz.Key("fetch.retries.total")
	FetchErrorsTotal    = metricz.Key("fetch.errors.total")
	FetchExhaustedTotal = metricz.Key("fetch.exhausted.total")
	FetchAttemptsLast   = metricz.Key("fetch.attempts.last")

	// Spans.
	FetchRatesSpan   = tracez.Key("fetch.rates")
	FetchAttemptSpan = tracez.Key("fetch.attempt")

	// Tags.
	FetchTagPostalCode = tracez.Tag("fetch.postal_code")
	FetchTagLocality   = tracez.Tag("fetch.locality")
	FetchTagCalls      = tracez.Tag("fetch.calls")
	FetchTagRates      = tracez.Tag("fetch.rates")
	FetchTagError      = tracez.Tag("fetch.error")

	// Hook event keys.
	FetchEventAttemptFailed = hookz.Key("fetch.attempt_failed")
	FetchEventExhausted     = hookz.Key("fetch.exhausted")
)

// Carrier quotes rates for a parcel between two addresses.
//
// An empty slice with a nil error is a valid answer. Implementations return
// *Error of KindCarrierAuth or KindCarrierFetch for failures.
type Carrier interface {
	Quote(ctx context.Context, origin, destination NormalizedAddress, pkg PackageSpec) ([]RawRate, error)
}

// Readiness is implemented by carriers that can tell, without a network
// call, whether they are configured well enough to be used.
type Readiness interface {
	Ready() error
}

// CarrierFunc adapts a function to Carrier.
type CarrierFunc func(ctx context.Context, origin, destination NormalizedAddress, pkg PackageSpec) ([]RawRate, error)

// Quote implements Carrier.
func (f CarrierFunc) Quote(ctx context.Context, origin, destination NormalizedAddress, pkg PackageSpec) ([]RawRate, error) {
	return f(ctx, origin, destination, pkg)
}

// AttemptRecord describes one fallback spelling tried against the carrier.
type AttemptRecord struct {
	Locality Locality `json:"locality"`
	Error    string   `json:"error,omitempty"`
	Calls    int      `json:"calls"`
	Rates    int      `json:"rates"`
}

// FetchResult is the outcome of FetchRates. Empty Rates with a nil error is
// the no-rates outcome.
type FetchResult struct {
	Rates    []RawRate       `json:"rates"`
	Attempts []AttemptRecord `json:"attempts"`
}

// FetchEvent is emitted via hookz for failed attempts and exhaustion.
type FetchEvent struct {
	Timestamp  time.Time
	Err        error
	Locality   Locality
	PostalCode string
	Attempt    int
	Calls      int
}

// Fetcher walks the address fallback chain against a carrier.
//
// For each spelling, in order: a non-empty answer is returned at once; an
// empty answer is retried once after a random 250-500ms pause; an error is
// recorded and the next spelling is tried. The chain is never restarted, so
// a call makes at most len(attempts) * (1+maxRetries) carrier requests.
//
// # Observability
//
// Metrics:
//   - fetch.requests.total: FetchRates calls
//   - fetch.calls.total: carrier requests
//   - fetch.retries.total: retries after empty answers
//   - fetch.errors.total: carrier errors
//   - fetch.exhausted.total: chains that ended without rates
//   - fetch.attempts.last: spellings tried by the last call
//
// Traces:
//   - fetch.rates: parent span per FetchRates
//   - fetch.attempt: child span per spelling
//
// Events (via hooks):
//   - fetch.attempt_failed: a carrier call for one spelling errored
//   - fetch.exhausted: every spelling was tried without rates
type Fetcher struct {
	carrier    Carrier
	normalizer *Normalizer
	clock      clockz.Clock
	jitter     func() time.Duration
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
	hooks      *hookz.Hooks[FetchEvent]
	origin     Address
	maxRetries int
	mu         sync.RWMutex
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithClock sets the clock used for backoff pauses.
func WithClock(clock clockz.Clock) FetcherOption {
	return func(f *Fetcher) { f.clock = clock }
}

// WithJitter replaces the backoff source. The returned duration is clamped
// to the 250-500ms window.
func WithJitter(jitter func() time.Duration) FetcherOption {
	return func(f *Fetcher) { f.jitter = jitter }
}

// WithMaxRetries sets retries per spelling after an empty answer.
// Negative values mean no retry.
func WithMaxRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n < 0 {
			n = 0
		}
		f.maxRetries = n
	}
}

// NewFetcher creates a Fetcher quoting from origin.
func NewFetcher(carrier Carrier, normalizer *Normalizer, origin Address, opts ...FetcherOption) *Fetcher {
	if normalizer == nil {
		normalizer = NewNormalizer(DefaultCountry)
	}

	metrics := metricz.New()
	metrics.Counter(FetchRequestsTotal)
	metrics.Counter(FetchCallsTotal)
	metrics.Counter(FetchRetriesTotal)
	metrics.Counter(FetchErrorsTotal)
	metrics.Counter(FetchExhaustedTotal)
	metrics.Gauge(FetchAttemptsLast)

	f := &Fetcher{
		carrier:    carrier,
		normalizer: normalizer,
		origin:     origin,
		maxRetries: DefaultMaxRetries,
		jitter:     randomBackoff,
		metrics:    metrics,
		tracer:     tracez.New(),
		hooks:      hookz.New[FetchEvent](),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func randomBackoff() time.Duration {
	return MinEmptyBackoff + rand.N(MaxEmptyBackoff-MinEmptyBackoff+1)
}

func (f *Fetcher) getClock() clockz.Clock {
	if f.clock == nil {
		return clockz.RealClock
	}
	return f.clock
}

// Ready reports the config_error FetchRates would fail with, if any.
func (f *Fetcher) Ready() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ready()
}

func (f *Fetcher) ready() error {
	if f.carrier == nil {
		return &Error{Kind: KindConfig, Op: []string{"fetch"}, Err: errors.New("carrier is not configured")}
	}
	if r, ok := f.carrier.(Readiness); ok {
		if err := r.Ready(); err != nil {
			return newError(KindConfig, "fetch", err)
		}
	}
	o := f.origin
	if strings.TrimSpace(o.PostalCode) == "" ||
		(strings.TrimSpace(o.State) == "" && strings.TrimSpace(o.City) == "") {
		return &Error{Kind: KindConfig, Op: []string{"fetch"}, Field: "origin",
			Err: errors.New("origin address is incomplete")}
	}
	return nil
}

// FetchRates returns the first non-empty answer along the fallback chain
// for dest.
func (f *Fetcher) FetchRates(ctx context.Context, dest NormalizedAddress, pkg PackageSpec) (result FetchResult, err error) {
	f.mu.RLock()
	carrier := f.carrier
	normalizer := f.normalizer
	jitter := f.jitter
	maxRetries := f.maxRetries
	clock := f.getClock()
	cfgErr := f.ready()
	origin := normalizer.Normalize(f.origin)
	f.mu.RUnlock()

	f.metrics.Counter(FetchRequestsTotal).Inc()
	if cfgErr != nil {
		return FetchResult{}, cfgErr
	}

	start := clock.Now()
	ctx, span := f.tracer.StartSpan(ctx, FetchRatesSpan)
	span.SetTag(FetchTagPostalCode, dest.PostalCode)
	defer func() {
		span.SetTag(FetchTagRates, strconv.Itoa(len(result.Rates)))
		if err != nil {
			span.SetTag(FetchTagError, err.Error())
		}
		span.Finish()
	}()

	attempts := normalizer.FallbackAttempts(dest)
	f.metrics.Gauge(FetchAttemptsLast).Set(float64(len(attempts)))
	result.Attempts = make([]AttemptRecord, 0, len(attempts))

	var lastErr error
	cleanEmpty := false
	for i, attempt := range attempts {
		record := AttemptRecord{Locality: Locality{State: attempt.State, City: attempt.City}}
		rates, aerr := f.tryAttempt(ctx, carrier, clock, jitter, maxRetries, origin, attempt, pkg, &record)
		result.Attempts = append(result.Attempts, record)

		if aerr == nil && len(rates) > 0 {
			result.Rates = rates
			return result, nil
		}
		if ctx.Err() != nil {
			return result, contextError(KindCarrierFetch, "fetch", ctx.Err(), clock.Since(start))
		}
		if aerr != nil {
			lastErr = aerr
			f.metrics.Counter(FetchErrorsTotal).Inc()
			_ = f.hooks.Emit(ctx, FetchEventAttemptFailed, FetchEvent{ //nolint:errcheck
				Locality:   record.Locality,
				PostalCode: attempt.PostalCode,
				Attempt:    i + 1,
				Calls:      record.Calls,
				Err:        aerr,
				Timestamp:  clock.Now(),
			})
			continue
		}
		cleanEmpty = true
	}

	f.metrics.Counter(FetchExhaustedTotal).Inc()
	_ = f.hooks.Emit(ctx, FetchEventExhausted, FetchEvent{ //nolint:errcheck
		PostalCode: dest.PostalCode,
		Attempt:    len(attempts),
		Err:        lastErr,
		Timestamp:  clock.Now(),
	})

	result.Rates = []RawRate{}
	if !cleanEmpty && lastErr != nil {
		return result, newError(KindCarrierFetch, "fetch", lastErr)
	}
	return result, nil
}

// tryAttempt calls the carrier for one spelling, retrying empty answers.
func (f *Fetcher) tryAttempt(
	ctx context.Context,
	carrier Carrier,
	clock clockz.Clock,
	jitter func() time.Duration,
	maxRetries int,
	origin, dest NormalizedAddress,
	pkg PackageSpec,
	record *AttemptRecord,
) ([]RawRate, error) {
	ctx, span := f.tracer.StartSpan(ctx, FetchAttemptSpan)
	span.SetTag(FetchTagLocality, record.Locality.State+" / "+record.Locality.City)
	defer func() {
		span.SetTag(FetchTagCalls, strconv.Itoa(record.Calls))
		span.SetTag(FetchTagRates, strconv.Itoa(record.Rates))
		if record.Error != "" {
			span.SetTag(FetchTagError, record.Error)
		}
		span.Finish()
	}()

	for try := 0; try <= maxRetries; try++ {
		if try > 0 {
			f.metrics.Counter(FetchRetriesTotal).Inc()
			select {
			case <-clock.After(clampBackoff(jitter())):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		record.Calls++
		f.metrics.Counter(FetchCallsTotal).Inc()
		rates, err := carrier.Quote(ctx, origin, dest, pkg)
		if err != nil {
			record.Error = err.Error()
			return nil, err
		}
		if len(rates) > 0 {
			record.Rates = len(rates)
			return rates, nil
		}
	}
	return nil, nil
}

func clampBackoff(d time.Duration) time.Duration {
	return min(max(d, MinEmptyBackoff), MaxEmptyBackoff)
}

// Metrics returns the metrics registry for this fetcher.
func (f *Fetcher) Metrics() *metricz.Registry {
	return f.metrics
}

// Tracer returns the tracer for this fetcher.
func (f *Fetcher) Tracer() *tracez.Tracer {
	return f.tracer
}

// OnAttemptFailed registers a handler for carrier errors on one spelling.
// The chain continues regardless of the handler.
func (f *Fetcher) OnAttemptFailed(handler func(context.Context, FetchEvent) error) error {
	_, err := f.hooks.Hook(FetchEventAttemptFailed, handler)
	return err
}

// OnExhausted registers a handler for chains that ended without rates.
func (f *Fetcher) OnExhausted(handler func(context.Context, FetchEvent) error) error {
	_, err := f.hooks.Hook(FetchEventExhausted, handler)
	return err
}

// Close releases observability resources.
func (f *Fetcher) Close() error {
	if f.tracer != nil {
		f.tracer.Close()
	}
	f.hooks.Close()
	return nil
}
