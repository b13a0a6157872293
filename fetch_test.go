package shipz_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/shipz"
	shipztest "github.com/zoobzio/shipz/testing"
)

var (
	testOrigin = shipz.Address{PostalCode: "64000", State: "Nuevo Leon", City: "Monterrey", Line1: "Av. Constitucion 100"}
	testParcel = shipz.PackageSpec{WeightGrams: 1000, LengthCm: 30, WidthCm: 20, HeightCm: 15}
)

func cdmx(n *shipz.Normalizer) shipz.NormalizedAddress {
	return n.Normalize(shipz.Address{PostalCode: "06700", State: "CDMX", City: "Cuauhtemoc"})
}

type advancer interface {
	Advance(time.Duration)
	BlockUntilReady()
}

// drive advances clock until done closes so backoff pauses elapse without
// real sleeps.
func drive(clock advancer, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		clock.Advance(shipz.MaxEmptyBackoff)
		clock.BlockUntilReady()
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFetchRates(t *testing.T) {
	n := shipz.NewNormalizer("MX")

	t.Run("First Spelling Answers", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).
			Respond("Ciudad de Mexico", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1"))
		fetcher := shipz.NewFetcher(carrier, n, testOrigin)
		defer fetcher.Close()

		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Rates) != 1 {
			t.Fatalf("expected 1 rate, got %d", len(result.Rates))
		}
		shipztest.AssertCalls(t, carrier, 1)
		if len(result.Attempts) != 1 || result.Attempts[0].Rates != 1 {
			t.Errorf("unexpected attempts %+v", result.Attempts)
		}

		call := carrier.Calls()[0]
		if call.Origin.PostalCode != "64000" || call.Origin.City != "Monterrey" {
			t.Errorf("expected normalized origin, got %+v", call.Origin)
		}
		if call.Package != testParcel {
			t.Errorf("expected parcel to pass through, got %+v", call.Package)
		}
	})

	t.Run("Fallback Chain Stops At First Answer", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).
			Empty("Ciudad de Mexico").
			Empty("CDMX").
			Respond("Distrito Federal", shipztest.Rate("Estafeta", "Terrestre", 8000, 3, 5, "r9"))
		fetcher := shipz.NewFetcher(carrier, n, testOrigin, shipz.WithMaxRetries(0))
		defer fetcher.Close()

		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Rates) != 1 || result.Rates[0].ExternalRateID != "r9" {
			t.Fatalf("expected rate from third spelling, got %+v", result.Rates)
		}
		shipztest.AssertStates(t, carrier, "Ciudad de Mexico", "CDMX", "Distrito Federal")
		if len(result.Attempts) != 3 {
			t.Errorf("expected 3 attempt records, got %d", len(result.Attempts))
		}
	})

	t.Run("Empty Answers Retry Once Per Spelling", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		carrier := shipztest.NewFakeCarrier(t).
			Empty("Ciudad de Mexico").
			Empty("CDMX").
			Respond("Distrito Federal", shipztest.Rate("Estafeta", "Terrestre", 8000, 3, 5, "r9"))
		fetcher := shipz.NewFetcher(carrier, n, testOrigin, shipz.WithClock(clock))
		defer fetcher.Close()

		done := make(chan struct{})
		var result shipz.FetchResult
		var err error
		go func() {
			defer close(done)
			result, err = fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		}()
		drive(clock, done)

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Rates) != 1 {
			t.Fatalf("expected 1 rate, got %d", len(result.Rates))
		}
		shipztest.AssertStates(t, carrier,
			"Ciudad de Mexico", "Ciudad de Mexico", "CDMX", "CDMX", "Distrito Federal")
		calls := []int{result.Attempts[0].Calls, result.Attempts[1].Calls, result.Attempts[2].Calls}
		if calls[0] != 2 || calls[1] != 2 || calls[2] != 1 {
			t.Errorf("expected calls 2/2/1, got %v", calls)
		}
		if n := fetcher.Metrics().Counter(shipz.FetchRetriesTotal).Value(); n != 2 {
			t.Errorf("expected 2 retries, got %v", n)
		}
	})

	t.Run("Retry Can Succeed", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).
			Empty("Ciudad de Mexico").
			Respond("Ciudad de Mexico", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1"))
		var mu sync.Mutex
		var waits []time.Duration
		fetcher := shipz.NewFetcher(carrier, n, testOrigin,
			shipz.WithJitter(func() time.Duration {
				mu.Lock()
				defer mu.Unlock()
				waits = append(waits, time.Millisecond)
				return time.Millisecond
			}),
		)
		defer fetcher.Close()

		start := time.Now()
		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Rates) != 1 {
			t.Fatalf("expected rates after retry, got %d", len(result.Rates))
		}
		shipztest.AssertCalls(t, carrier, 2)
		if elapsed := time.Since(start); elapsed < shipz.MinEmptyBackoff {
			t.Errorf("expected backoff clamped to at least %v, waited %v", shipz.MinEmptyBackoff, elapsed)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(waits) != 1 {
			t.Errorf("expected one backoff, got %d", len(waits))
		}
	})

	t.Run("Non Metro Tries Once", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).Empty("Jalisco")
		fetcher := shipz.NewFetcher(carrier, n, testOrigin, shipz.WithMaxRetries(0))
		defer fetcher.Close()

		dest := n.Normalize(shipz.Address{PostalCode: "44100", State: "Jalisco", City: "Guadalajara"})
		result, err := fetcher.FetchRates(context.Background(), dest, testParcel)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Rates == nil || len(result.Rates) != 0 {
			t.Errorf("expected empty non-nil rates, got %#v", result.Rates)
		}
		shipztest.AssertCalls(t, carrier, 1)
		if n := fetcher.Metrics().Counter(shipz.FetchExhaustedTotal).Value(); n != 1 {
			t.Errorf("expected exhausted counter 1, got %v", n)
		}
	})

	t.Run("Errors Fall Through The Chain", func(t *testing.T) {
		authErr := &shipz.Error{Kind: shipz.KindCarrierAuth, Op: []string{"carrier"}, Err: errors.New("401")}
		carrier := shipztest.NewFakeCarrier(t).
			Fail("Ciudad de Mexico", authErr).
			Fail("CDMX", errors.New("connection reset")).
			Fail("Distrito Federal", authErr)
		fetcher := shipz.NewFetcher(carrier, n, testOrigin)
		defer fetcher.Close()

		var mu sync.Mutex
		var failed []shipz.FetchEvent
		_ = fetcher.OnAttemptFailed(func(_ context.Context, e shipz.FetchEvent) error {
			mu.Lock()
			failed = append(failed, e)
			mu.Unlock()
			return nil
		})

		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		shipztest.AssertKind(t, err, shipz.KindCarrierAuth)
		shipztest.AssertCalls(t, carrier, 3)
		for i, a := range result.Attempts {
			if a.Error == "" || a.Calls != 1 {
				t.Errorf("attempt %d: expected one failed call, got %+v", i, a)
			}
		}

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if len(failed) != 3 {
			t.Errorf("expected 3 attempt_failed events, got %d", len(failed))
		}
	})

	t.Run("Shared Carrier Error Is Not Modified", func(t *testing.T) {
		shared := &shipz.Error{Kind: shipz.KindCarrierAuth, Op: []string{"carrier"}, Err: errors.New("401")}
		carrier := shipztest.NewFakeCarrier(t).Fail("Jalisco", shared)
		fetcher := shipz.NewFetcher(carrier, n, testOrigin)
		defer fetcher.Close()

		dest := n.Normalize(shipz.Address{PostalCode: "44100", State: "Jalisco", City: "Guadalajara"})
		for i := 0; i < 3; i++ {
			_, err := fetcher.FetchRates(context.Background(), dest, testParcel)
			var ee *shipz.Error
			if !errors.As(err, &ee) {
				t.Fatalf("call %d: expected *Error, got %v", i, err)
			}
			if got := strings.Join(ee.Op, ","); got != "fetch,carrier" {
				t.Errorf("call %d: expected op path fetch,carrier, got %s", i, got)
			}
			if ee == shared {
				t.Errorf("call %d: expected a copy of the carrier error", i)
			}
		}
		if got := strings.Join(shared.Op, ","); got != "carrier" {
			t.Errorf("carrier error was modified: %s", got)
		}
	})

	t.Run("Rates Survive Late Cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		carrier := shipz.CarrierFunc(func(context.Context, shipz.NormalizedAddress, shipz.NormalizedAddress, shipz.PackageSpec) ([]shipz.RawRate, error) {
			cancel()
			return []shipz.RawRate{shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1")}, nil
		})
		fetcher := shipz.NewFetcher(carrier, n, testOrigin)
		defer fetcher.Close()

		result, err := fetcher.FetchRates(ctx, cdmx(n), testParcel)
		if err != nil {
			t.Fatalf("expected answered rates to be kept, got %v", err)
		}
		if len(result.Rates) != 1 {
			t.Errorf("expected 1 rate, got %d", len(result.Rates))
		}
	})

	t.Run("Clean Empty Beats Errors", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).
			Fail("Ciudad de Mexico", errors.New("timeout")).
			Empty("CDMX").
			Fail("Distrito Federal", errors.New("timeout"))
		fetcher := shipz.NewFetcher(carrier, n, testOrigin, shipz.WithMaxRetries(0))
		defer fetcher.Close()

		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		if err != nil {
			t.Fatalf("expected no-rates outcome, got %v", err)
		}
		if len(result.Rates) != 0 {
			t.Errorf("expected no rates, got %d", len(result.Rates))
		}
		if n := fetcher.Metrics().Counter(shipz.FetchErrorsTotal).Value(); n != 2 {
			t.Errorf("expected 2 errors counted, got %v", n)
		}
	})

	t.Run("Config Errors", func(t *testing.T) {
		notReady := shipztest.NewFakeCarrier(t).NotReady(errors.New("token missing"))
		tests := []struct {
			fetcher *shipz.Fetcher
			name    string
		}{
			{name: "carrier not ready", fetcher: shipz.NewFetcher(notReady, n, testOrigin)},
			{name: "no carrier", fetcher: shipz.NewFetcher(nil, n, testOrigin)},
			{name: "incomplete origin", fetcher: shipz.NewFetcher(shipztest.NewFakeCarrier(t), n, shipz.Address{State: "Nuevo Leon"})},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				defer tt.fetcher.Close()
				shipztest.AssertKind(t, tt.fetcher.Ready(), shipz.KindConfig)
				_, err := tt.fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
				shipztest.AssertKind(t, err, shipz.KindConfig)
			})
		}
		shipztest.AssertCalls(t, notReady, 0)
	})

	t.Run("Deadline Stops The Chain", func(t *testing.T) {
		carrier := shipztest.NewFakeCarrier(t).
			Respond("Ciudad de Mexico", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1")).
			WithDelay(time.Second)
		fetcher := shipz.NewFetcher(carrier, n, testOrigin)
		defer fetcher.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := fetcher.FetchRates(ctx, cdmx(n), testParcel)
		shipztest.AssertKind(t, err, shipz.KindCarrierFetch)
		var ee *shipz.Error
		if !errors.As(err, &ee) || !ee.IsTimeout() {
			t.Errorf("expected timeout error, got %v", err)
		}
		shipztest.AssertCalls(t, carrier, 1)
	})

	t.Run("Cancel During Backoff", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		carrier := shipztest.NewFakeCarrier(t).Empty("Ciudad de Mexico")
		fetcher := shipz.NewFetcher(carrier, n, testOrigin, shipz.WithClock(clock))
		defer fetcher.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := fetcher.FetchRates(ctx, cdmx(n), testParcel)
		var ee *shipz.Error
		if !errors.As(err, &ee) || !ee.IsCanceled() {
			t.Fatalf("expected canceled error, got %v", err)
		}
		shipztest.AssertCalls(t, carrier, 1)
	})
}

func TestFetchRatesUnderChaos(t *testing.T) {
	n := shipz.NewNormalizer("MX")
	base := shipztest.NewFakeCarrier(t).
		Respond("Ciudad de Mexico", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1")).
		Respond("CDMX", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1")).
		Respond("Distrito Federal", shipztest.Rate("DHL", "Express", 9000, 1, 2, "r1"))
	chaos := shipztest.NewChaosCarrier(base, shipztest.ChaosConfig{FailureRate: 0.3, EmptyRate: 0.3, Seed: 99})
	fetcher := shipz.NewFetcher(chaos, n, testOrigin, shipz.WithMaxRetries(0))
	defer fetcher.Close()

	for i := 0; i < 50; i++ {
		result, err := fetcher.FetchRates(context.Background(), cdmx(n), testParcel)
		if err != nil {
			shipztest.AssertKind(t, err, shipz.KindCarrierFetch)
			continue
		}
		if len(result.Attempts) == 0 || len(result.Attempts) > 3 {
			t.Fatalf("unexpected attempt count %d", len(result.Attempts))
		}
		calls := 0
		for _, a := range result.Attempts {
			calls += a.Calls
		}
		if calls > 3 {
			t.Fatalf("chain made %d calls, more than one per spelling", calls)
		}
	}
	if stats := chaos.Stats(); stats.TotalCalls == 0 {
		t.Errorf("expected chaos carrier to be exercised: %s", stats)
	}
}
