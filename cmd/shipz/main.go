package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoobzio/shipz"
	"github.com/zoobzio/shipz/carrier"
	"github.com/zoobzio/shipz/internal/handler"
	"github.com/zoobzio/shipz/store/memory"
	"github.com/zoobzio/shipz/store/postgres"
	"github.com/zoobzio/shipz/store/sqlite"
)

func main() {
	cfg, err := shipz.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orders, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	client := carrier.New(cfg.CarrierBaseURL, cfg.CarrierToken, carrier.WithTimeout(cfg.CarrierTimeout))
	if err := client.Ready(); err != nil {
		log.Printf("carrier not ready, quotes will fail until configured: %v", err)
	}

	normalizer := shipz.NewNormalizer(cfg.Country)
	fetcher := shipz.NewFetcher(client, normalizer, cfg.Origin())
	defer fetcher.Close()
	cache := shipz.NewTTLCache()
	quoter := shipz.NewQuoter(fetcher, normalizer, cache, cfg.Policy(),
		shipz.WithDefaultPackage(cfg.DefaultPackage()),
		shipz.WithMinBillableGrams(cfg.MinBillableGrams),
		shipz.WithCacheTTL(cfg.CacheTTL()),
	)
	defer quoter.Close()
	guard := shipz.NewGuard(orders)
	defer guard.Close()

	logEvents(fetcher, quoter, guard)

	mux := http.NewServeMux()
	handler.New(quoter, guard, log.Default(), 0).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("shipz listening on %s (store=%s)", cfg.HTTPAddr, cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func openStore(ctx context.Context, cfg shipz.Config) (shipz.OrderStore, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := sqlite.Open(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "", "memory":
		return memory.New(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}

// logEvents writes engine diagnostics to the standard logger.
func logEvents(fetcher *shipz.Fetcher, quoter *shipz.Quoter, guard *shipz.Guard) {
	_ = fetcher.OnAttemptFailed(func(_ context.Context, e shipz.FetchEvent) error {
		log.Printf("carrier attempt failed: postal_code=%s state=%q city=%q attempt=%d calls=%d err=%v",
			e.PostalCode, e.Locality.State, e.Locality.City, e.Attempt, e.Calls, e.Err)
		return nil
	})
	_ = quoter.OnNoRates(func(_ context.Context, e shipz.QuoteEvent) error {
		if e.Diagnostic != nil {
			log.Printf("no rates: key=%s attempts=%+v", e.CacheKey, e.Diagnostic.Attempts)
		}
		return nil
	})
	_ = guard.OnAborted(func(_ context.Context, e shipz.GuardEvent) error {
		log.Printf("apply rate aborted: order=%s step=%s kind=%s err=%v", e.OrderID, e.Step, e.Kind, e.Err)
		return nil
	})
	_ = guard.OnPersistenceMismatch(func(_ context.Context, e shipz.GuardEvent) error {
		log.Printf("persistence mismatch: order=%s rate=%s diffs=%v", e.OrderID, e.RateID, e.Diffs)
		return nil
	})
}
