// Package carrier is the HTTP client for the carrier rate API.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/shipz"
)

// DefaultTimeout bounds a single carrier request.
const DefaultTimeout = 8 * time.Second

const quotationsPath = "/quotations"

// Client implements shipz.Carrier over HTTP with bearer credentials.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a Client. An empty token is accepted; Ready reports it.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready implements shipz.Readiness. It never reveals the token.
func (c *Client) Ready() error {
	switch {
	case c.baseURL == "":
		return &shipz.Error{Kind: shipz.KindConfig, Op: []string{"carrier"}, Field: "SHIPZ_CARRIER_BASE_URL",
			Err: errors.New("carrier base URL is not configured")}
	case c.token == "":
		return &shipz.Error{Kind: shipz.KindConfig, Op: []string{"carrier"}, Field: "SHIPZ_CARRIER_TOKEN",
			Err: errors.New("carrier token is not configured")}
	}
	return nil
}

// Quote implements shipz.Carrier.
func (c *Client) Quote(ctx context.Context, origin, destination shipz.NormalizedAddress, pkg shipz.PackageSpec) ([]shipz.RawRate, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(quotationRequest{
		From:   toWire(origin),
		To:     toWire(destination),
		Parcel: parcel{
			WeightKg: float64(pkg.WeightGrams) / 1000,
			LengthCm: pkg.LengthCm,
			WidthCm:  pkg.WidthCm,
			HeightCm: pkg.HeightCm,
		},
	})
	if err != nil {
		return nil, fetchError(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+quotationsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fetchError(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fetchError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, &shipz.Error{Kind: shipz.KindCarrierAuth, Op: []string{"carrier"},
			Err: fmt.Errorf("carrier rejected credentials: status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return []shipz.RawRate{}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fetchError(fmt.Errorf("quotations endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fetchError(fmt.Errorf("decode response: %w", err))
	}
	return parseRates(raw), nil
}

func fetchError(err error) *shipz.Error {
	return &shipz.Error{
		Kind:     shipz.KindCarrierFetch,
		Op:       []string{"carrier"},
		Err:      err,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Canceled: errors.Is(err, context.Canceled),
	}
}

// parseRates reads the rates array conservatively. Entries without a
// provider or a usable price are skipped.
func parseRates(raw map[string]any) []shipz.RawRate {
	list, _ := raw["rates"].([]any)
	if list == nil {
		if data, ok := raw["data"].(map[string]any); ok {
			list, _ = data["rates"].([]any)
		}
	}
	rates := make([]shipz.RawRate, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		provider := toString(m["provider"])
		cents, ok := toCents(m["total_pricing"])
		if !ok {
			cents, ok = toCents(m["amount"])
		}
		if provider == "" || !ok || cents <= 0 {
			continue
		}
		r := shipz.RawRate{
			Provider:        provider,
			Service:         toString(m["service_level_name"]),
			ServiceCode:     toString(m["service_level_code"]),
			ExternalRateID:  toString(m["id"]),
			TotalPriceCents: cents,
		}
		if days, ok := toInt(m["days"]); ok && days > 0 {
			r.EtaMinDays = &days
			r.EtaMaxDays = &days
		}
		if lo, ok := toInt(m["days_min"]); ok && lo > 0 {
			r.EtaMinDays = &lo
		}
		if hi, ok := toInt(m["days_max"]); ok && hi > 0 {
			r.EtaMaxDays = &hi
		}
		rates = append(rates, r)
	}
	return rates
}

// toCents converts a decimal currency amount, sent as a number or a string,
// to cents.
func toCents(v any) (int64, bool) {
	f, ok := toF64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f * 100)), true
}

func toF64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", "")), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toF64(v)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
