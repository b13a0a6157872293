package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/shipz"
)

var (
	origin = shipz.NormalizedAddress{PostalCode: "64000", State: "Nuevo Leon", City: "Monterrey", Country: "MX"}
	parcel = shipz.PackageSpec{WeightGrams: 1000, LengthCm: 30, WidthCm: 20, HeightCm: 15}
)

func dest(state string) shipz.NormalizedAddress {
	return shipz.NormalizedAddress{PostalCode: "06700", State: state, City: "Ciudad de Mexico", Country: "MX"}
}

func TestFakeCarrier(t *testing.T) {
	ctx := context.Background()

	t.Run("Scripted Answers Advance Then Repeat", func(t *testing.T) {
		carrier := NewFakeCarrier(t).
			Empty("CDMX").
			Respond("CDMX", Rate("DHL", "Express", 9000, 1, 2, "r1"))

		for i, want := range []int{0, 1, 1} {
			rates, err := carrier.Quote(ctx, origin, dest("cdmx"), parcel)
			if err != nil {
				t.Fatalf("call %d: unexpected error: %v", i, err)
			}
			if len(rates) != want {
				t.Errorf("call %d: expected %d rates, got %d", i, want, len(rates))
			}
		}
		AssertCalls(t, carrier, 3)
	})

	t.Run("Unscripted States Answer Empty", func(t *testing.T) {
		carrier := NewFakeCarrier(t)
		rates, err := carrier.Quote(ctx, origin, dest("Jalisco"), parcel)
		if err != nil || rates == nil || len(rates) != 0 {
			t.Errorf("expected empty non-nil answer, got %#v, %v", rates, err)
		}
	})

	t.Run("Fail", func(t *testing.T) {
		boom := errors.New("boom")
		carrier := NewFakeCarrier(t).Fail("CDMX", boom)
		if _, err := carrier.Quote(ctx, origin, dest("CDMX"), parcel); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})

	t.Run("Records Calls", func(t *testing.T) {
		carrier := NewFakeCarrier(t)
		_, _ = carrier.Quote(ctx, origin, dest("A"), parcel)
		_, _ = carrier.Quote(ctx, origin, dest("B"), parcel)

		AssertStates(t, carrier, "A", "B")
		calls := carrier.Calls()
		if calls[0].Origin != origin || calls[1].Package != parcel {
			t.Errorf("unexpected call log %+v", calls)
		}
	})

	t.Run("Reset Replays Scripts", func(t *testing.T) {
		carrier := NewFakeCarrier(t).
			Respond("CDMX", Rate("DHL", "Express", 9000, 1, 2, "r1")).
			Empty("CDMX")
		_, _ = carrier.Quote(ctx, origin, dest("CDMX"), parcel)
		_, _ = carrier.Quote(ctx, origin, dest("CDMX"), parcel)
		carrier.Reset()

		AssertCalls(t, carrier, 0)
		rates, _ := carrier.Quote(ctx, origin, dest("CDMX"), parcel)
		if len(rates) != 1 {
			t.Errorf("expected first script entry after reset, got %d rates", len(rates))
		}
	})

	t.Run("Not Ready", func(t *testing.T) {
		carrier := NewFakeCarrier(t)
		if carrier.Ready() != nil {
			t.Error("expected ready by default")
		}
		carrier.NotReady(errors.New("no token"))
		if carrier.Ready() == nil {
			t.Error("expected not ready")
		}
	})

	t.Run("Delay Honors Context", func(t *testing.T) {
		carrier := NewFakeCarrier(t).WithDelay(time.Second)
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := carrier.Quote(ctx, origin, dest("CDMX"), parcel)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestAssertions(t *testing.T) {
	t.Run("AssertConsistent", func(t *testing.T) {
		pricing := shipz.CanonicalPricing{CarrierCents: 9000, TotalCents: 10400}
		doc := shipz.MergePreservingCents(shipz.Metadata{}, shipz.ShippingPatch{Status: shipz.StatusRateSelected}, &pricing)
		AssertConsistent(t, doc)
	})

	t.Run("AssertKind", func(t *testing.T) {
		AssertKind(t, &shipz.Error{Kind: shipz.KindNotFound}, shipz.KindNotFound)
	})
}

func TestChaosCarrier(t *testing.T) {
	ctx := context.Background()
	base := NewFakeCarrier(t).Respond("CDMX", Rate("DHL", "Express", 9000, 1, 2, "r1"))

	t.Run("Deterministic With Seed", func(t *testing.T) {
		run := func() ChaosStats {
			chaos := NewChaosCarrier(base, ChaosConfig{FailureRate: 0.3, EmptyRate: 0.2, TimeoutRate: 0.1, Seed: 7})
			for i := 0; i < 100; i++ {
				_, _ = chaos.Quote(ctx, origin, dest("CDMX"), parcel)
			}
			return chaos.Stats()
		}
		a, b := run(), run()
		if a != b {
			t.Errorf("expected identical stats for one seed: %s vs %s", a, b)
		}
		if a.TotalCalls != 100 {
			t.Errorf("expected 100 calls, got %d", a.TotalCalls)
		}
		if a.FailedCalls == 0 || a.EmptyCalls == 0 || a.TimeoutCalls == 0 {
			t.Errorf("expected every fault to occur: %s", a)
		}
	})

	t.Run("Typed Failures", func(t *testing.T) {
		chaos := NewChaosCarrier(base, ChaosConfig{FailureRate: 1, Seed: 1})
		_, err := chaos.Quote(ctx, origin, dest("CDMX"), parcel)
		AssertKind(t, err, shipz.KindCarrierFetch)
	})

	t.Run("Pass Through", func(t *testing.T) {
		chaos := NewChaosCarrier(base, ChaosConfig{Seed: 1})
		rates, err := chaos.Quote(ctx, origin, dest("CDMX"), parcel)
		if err != nil || len(rates) != 1 {
			t.Errorf("expected wrapped answer, got %v, %v", rates, err)
		}
	})
}

func TestParallelTest(t *testing.T) {
	carrier := NewFakeCarrier(t)
	ParallelTest(t, 8, func(int) {
		_, _ = carrier.Quote(context.Background(), origin, dest("CDMX"), parcel)
	})
	AssertCalls(t, carrier, 8)
}
