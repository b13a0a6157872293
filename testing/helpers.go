// Package testing provides fakes and assertions for code built on shipz.
//
// This package includes a scripted carrier, a chaos carrier for resilience
// tests, and assertions over stored shipping documents.
//
// Example usage:
//
//	func TestCheckout(t *testing.T) {
//		carrier := shipztest.NewFakeCarrier(t).
//			Empty("Ciudad de Mexico").
//			Respond("CDMX", rate)
//
//		fetcher := shipz.NewFetcher(carrier, shipz.NewNormalizer("MX"), origin)
//		result, err := fetcher.FetchRates(ctx, dest, pkg)
//
//		shipztest.AssertCalls(t, carrier, 3)
//	}
package testing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/shipz"
)

// CarrierCall records one Quote call.
type CarrierCall struct {
	Timestamp   time.Time
	Origin      shipz.NormalizedAddress
	Destination shipz.NormalizedAddress
	Package     shipz.PackageSpec
}

type scripted struct {
	err   error
	rates [][]shipz.RawRate
}

// FakeCarrier is a scripted shipz.Carrier. Answers are keyed by the
// destination state (case-insensitive); each Quote for a state consumes the
// next scripted answer and repeats the last one once the script runs out.
// Unscripted states answer empty.
type FakeCarrier struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t         *testing.T
	scripts   map[string]*scripted
	served    map[string]int
	calls     []CarrierCall
	readyErr  error
	delay     time.Duration
	callCount int64
	mu        sync.Mutex
}

// NewFakeCarrier creates a carrier with no scripted answers.
func NewFakeCarrier(t *testing.T) *FakeCarrier {
	return &FakeCarrier{
		t:       t,
		scripts: make(map[string]*scripted),
		served:  make(map[string]int),
	}
}

func (f *FakeCarrier) script(state string) *scripted {
	key := strings.ToLower(strings.TrimSpace(state))
	s, ok := f.scripts[key]
	if !ok {
		s = &scripted{}
		f.scripts[key] = s
	}
	return s
}

// Respond appends a non-empty answer for state.
func (f *FakeCarrier) Respond(state string, rates ...shipz.RawRate) *FakeCarrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.script(state)
	s.rates = append(s.rates, slices.Clone(rates))
	return f
}

// Empty appends an empty answer for state.
func (f *FakeCarrier) Empty(state string) *FakeCarrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.script(state)
	s.rates = append(s.rates, []shipz.RawRate{})
	return f
}

// Fail makes every call for state return err.
func (f *FakeCarrier) Fail(state string, err error) *FakeCarrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script(state).err = err
	return f
}

// NotReady makes Ready report err, as a carrier without credentials would.
func (f *FakeCarrier) NotReady(err error) *FakeCarrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyErr = err
	return f
}

// WithDelay delays every answer, honoring context cancellation.
func (f *FakeCarrier) WithDelay(d time.Duration) *FakeCarrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Ready implements shipz.Readiness.
func (f *FakeCarrier) Ready() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

// Quote implements shipz.Carrier.
func (f *FakeCarrier) Quote(ctx context.Context, origin, destination shipz.NormalizedAddress, pkg shipz.PackageSpec) ([]shipz.RawRate, error) {
	atomic.AddInt64(&f.callCount, 1)

	f.mu.Lock()
	f.calls = append(f.calls, CarrierCall{
		Origin:      origin,
		Destination: destination,
		Package:     pkg,
		Timestamp:   time.Now(),
	})
	key := strings.ToLower(strings.TrimSpace(destination.State))
	s := f.scripts[key]
	var rates []shipz.RawRate
	var err error
	if s != nil {
		err = s.err
		if len(s.rates) > 0 {
			i := min(f.served[key], len(s.rates)-1)
			rates = slices.Clone(s.rates[i])
			f.served[key]++
		}
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if rates == nil {
		rates = []shipz.RawRate{}
	}
	return rates, nil
}

// CallCount returns the number of Quote calls.
func (f *FakeCarrier) CallCount() int {
	return int(atomic.LoadInt64(&f.callCount))
}

// Calls returns a copy of the call log in order.
func (f *FakeCarrier) Calls() []CarrierCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// States returns the destination state of every call in order.
func (f *FakeCarrier) States() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Destination.State
	}
	return out
}

// Reset clears the call log and replays scripts from the start.
func (f *FakeCarrier) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.StoreInt64(&f.callCount, 0)
	f.calls = nil
	f.served = make(map[string]int)
}

// Assertion Helpers

// AssertCalls verifies that the carrier was called exactly n times.
func AssertCalls(t *testing.T, carrier *FakeCarrier, expected int) {
	t.Helper()
	if actual := carrier.CallCount(); actual != expected {
		t.Errorf("expected carrier to be called %d times, but was called %d times (states %v)",
			expected, actual, carrier.States())
	}
}

// AssertStates verifies the exact sequence of destination states tried.
func AssertStates(t *testing.T, carrier *FakeCarrier, expected ...string) {
	t.Helper()
	if actual := carrier.States(); !slices.Equal(actual, expected) {
		t.Errorf("expected carrier calls for %v, got %v", expected, actual)
	}
}

// AssertConsistent verifies the shipping document invariant on doc.
func AssertConsistent(t *testing.T, doc shipz.Metadata) {
	t.Helper()
	if err := shipz.CheckConsistency(doc); err != nil {
		t.Errorf("shipping document is inconsistent: %v", err)
	}
}

// AssertKind verifies that err carries kind.
func AssertKind(t *testing.T, err error, kind shipz.Kind) {
	t.Helper()
	if err == nil {
		t.Errorf("expected %s error, got nil", kind)
		return
	}
	if got := shipz.KindOf(err); got != kind {
		t.Errorf("expected %s error, got %s: %v", kind, got, err)
	}
}

// ChaosCarrier wraps a carrier and injects failures, empty answers and
// latency at configured rates.
type ChaosCarrier struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	wrapped      shipz.Carrier
	failureRate  float64
	emptyRate    float64
	timeoutRate  float64
	latencyMin   time.Duration
	latencyMax   time.Duration
	rng          *mathrand.Rand
	mu           sync.Mutex
	totalCalls   int64
	failedCalls  int64
	emptyCalls   int64
	timeoutCalls int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64       // Probability of a carrier_fetch_error (0.0 to 1.0)
	EmptyRate   float64       // Probability of an empty answer (0.0 to 1.0)
	TimeoutRate float64       // Probability of simulating a deadline (0.0 to 1.0)
	LatencyMin  time.Duration // Minimum additional latency to inject
	LatencyMax  time.Duration // Maximum additional latency to inject
	Seed        int64         // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosCarrier creates a chaos carrier around wrapped.
func NewChaosCarrier(wrapped shipz.Carrier, config ChaosConfig) *ChaosCarrier {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = time.Now().UnixNano()
		} else {
			for _, b := range seedBytes {
				seed = seed<<8 | int64(b)
			}
		}
	}

	return &ChaosCarrier{
		wrapped:     wrapped,
		failureRate: config.FailureRate,
		emptyRate:   config.EmptyRate,
		timeoutRate: config.TimeoutRate,
		latencyMin:  config.LatencyMin,
		latencyMax:  config.LatencyMax,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// Quote implements shipz.Carrier with chaos injection.
func (c *ChaosCarrier) Quote(ctx context.Context, origin, destination shipz.NormalizedAddress, pkg shipz.PackageSpec) ([]shipz.RawRate, error) {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	var latency time.Duration
	if c.latencyMax > c.latencyMin {
		latency = c.latencyMin + time.Duration(c.rng.Int63n(int64(c.latencyMax-c.latencyMin)))
	} else if c.latencyMin > 0 {
		latency = c.latencyMin
	}
	simulateTimeout := c.rng.Float64() < c.timeoutRate
	injectFailure := c.rng.Float64() < c.failureRate
	injectEmpty := c.rng.Float64() < c.emptyRate
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case simulateTimeout:
		atomic.AddInt64(&c.timeoutCalls, 1)
		return nil, &shipz.Error{Kind: shipz.KindCarrierFetch, Op: []string{"chaos"},
			Err: context.DeadlineExceeded, Timeout: true}
	case injectFailure:
		atomic.AddInt64(&c.failedCalls, 1)
		return nil, &shipz.Error{Kind: shipz.KindCarrierFetch, Op: []string{"chaos"},
			Err: errors.New("chaos carrier induced failure")}
	case injectEmpty:
		atomic.AddInt64(&c.emptyCalls, 1)
		return []shipz.RawRate{}, nil
	}
	return c.wrapped.Quote(ctx, origin, destination, pkg)
}

// Stats returns statistics about chaos injection.
func (c *ChaosCarrier) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:   atomic.LoadInt64(&c.totalCalls),
		FailedCalls:  atomic.LoadInt64(&c.failedCalls),
		EmptyCalls:   atomic.LoadInt64(&c.emptyCalls),
		TimeoutCalls: atomic.LoadInt64(&c.timeoutCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls   int64
	FailedCalls  int64
	EmptyCalls   int64
	TimeoutCalls int64
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d, Empty: %d, Timeouts: %d}",
		s.TotalCalls, s.FailedCalls, s.EmptyCalls, s.TimeoutCalls)
}

// Helper Functions

// Rate builds a RawRate with both ETA bounds set.
func Rate(provider, service string, cents int64, etaMin, etaMax int, rateID string) shipz.RawRate {
	return shipz.RawRate{
		Provider:        provider,
		Service:         service,
		TotalPriceCents: cents,
		EtaMinDays:      &etaMin,
		EtaMaxDays:      &etaMax,
		ExternalRateID:  rateID,
	}
}

// ParallelTest runs testFunc concurrently from goroutines goroutines.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
