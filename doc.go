// Package shipz quotes shipping rates for an e-commerce storefront and
// commits the chosen rate onto an order without ever losing committed
// pricing.
//
// # Overview
//
// The engine has four parts that run in order on a quote and one that runs
// when a rate is applied:
//
//   - Normalizer: validates a destination and rewrites known ambiguous metros
//     (Mexico City is spelled at least three ways) to one canonical form.
//   - RateCache: a short-lived, in-process cache of quote answers keyed by the
//     normalized destination, billable weight and cart subtotal.
//   - Fetcher: walks the metro's fallback spellings against the Carrier,
//     retrying an empty answer once after a short random pause.
//   - NormalizeRates and SelectPrimary: price, deduplicate and order carrier
//     options deterministically.
//   - Guard: applies a selected rate to an order through a fixed
//     load, price, re-read, merge, check, write, verify sequence.
//
// Quoter composes the first four behind one call.
//
// # Errors
//
// Every failure is an *Error carrying a Kind. Callers branch on Kind with
// KindOf or IsKind and show users PublicMessage(kind); the wrapped error is
// for logs only. A quote that finds nothing is not an error: it returns
// OK=false with Reason "no_rates" and a Diagnostic.
//
// # The shipping document
//
// Metadata is the JSON document stored on an order. The engine owns the
// "shipping" and "shipping_pricing" keys and preserves everything else.
// All changes go through MergePreservingCents, and CheckConsistency
// enforces that positive canonical pricing always comes with non-null
// shipping.rate_used carrier and price cents.
//
// # Usage Example
//
//	normalizer := shipz.NewNormalizer("MX")
//	fetcher := shipz.NewFetcher(carrierClient, normalizer, cfg.Origin())
//	quoter := shipz.NewQuoter(fetcher, normalizer, shipz.NewTTLCache(), cfg.Policy())
//
//	resp, err := quoter.Quote(ctx, shipz.QuoteRequest{
//	    Address: shipz.Address{PostalCode: "06700", State: "CDMX", City: "Cuauhtemoc"},
//	})
//	if err != nil {
//	    return shipz.PublicMessage(shipz.KindOf(err))
//	}
//
//	guard := shipz.NewGuard(orderStore)
//	_, err = guard.ApplyRate(ctx, orderID,
//	    shipz.RateSelection{Option: resp.PrimaryOptions[0]},
//	    shipz.PricingInputs{Policy: cfg.Policy()},
//	)
//
// # Observability
//
// Cache, Fetcher, Quoter and Guard each own a metricz registry, a tracez
// tracer and hookz events, exposed through Metrics, Tracer and On* methods
// and released with Close.
package shipz
