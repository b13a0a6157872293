// Package handler exposes the quote and apply-rate operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zoobzio/shipz"
)

const maxBodyBytes = 64 << 10

// Quoter is the quote operation the handler serves.
type Quoter interface {
	Quote(ctx context.Context, req shipz.QuoteRequest) (shipz.QuoteResponse, error)
	Policy() shipz.PricingPolicy
}

// Applier is the apply-rate operation the handler serves.
type Applier interface {
	ApplyRate(ctx context.Context, orderID string, sel shipz.RateSelection, in shipz.PricingInputs) (shipz.ApplyResult, error)
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type applyRateRequest struct {
	SubtotalCents *int64                     `json:"subtotal_cents,omitempty"`
	Option        shipz.NormalizedRateOption `json:"option"`
	Reprice       bool                       `json:"reprice,omitempty"`
}

type applyRateResponse struct {
	Pricing shipz.CanonicalPricing `json:"pricing"`
	OK      bool                   `json:"ok"`
	Reused  bool                   `json:"pricing_reused"`
}

// Handler serves the shipping endpoints.
type Handler struct {
	quoter  Quoter
	applier Applier
	logger  *log.Logger
	timeout time.Duration
}

// New creates a Handler. A nil logger uses the standard logger.
func New(quoter Quoter, applier Applier, logger *log.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handler{quoter: quoter, applier: applier, logger: logger, timeout: timeout}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/shipping/quote", h.Quote)
	mux.HandleFunc("POST /v1/orders/{id}/shipping/apply-rate", h.ApplyRate)
}

// Quote handles POST /v1/shipping/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req shipz.QuoteRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp, err := h.quoter.Quote(ctx, req)
	if err != nil {
		kind := shipz.KindOf(err)
		h.logger.Printf("quote failed: postal_code=%s kind=%s err=%v", req.Address.PostalCode, kind, err)
		writeJSON(w, statusFor(kind), errorResponse{
			Reason:  shipz.ReasonFor(err),
			Message: shipz.PublicMessage(kind),
			Field:   fieldOf(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApplyRate handles POST /v1/orders/{id}/shipping/apply-rate.
func (h *Handler) ApplyRate(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("id"))
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: "order id is required"})
		return
	}
	var req applyRateRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: err.Error()})
		return
	}
	if req.Option.ExternalRateID == "" && req.Option.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: "option.external_rate_id is required"})
		return
	}
	if req.Option.CarrierCents <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: "option.carrier_cents must be positive"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.applier.ApplyRate(ctx, orderID,
		shipz.RateSelection{Option: req.Option, Reprice: req.Reprice},
		shipz.PricingInputs{Policy: h.quoter.Policy(), SubtotalCents: req.SubtotalCents},
	)
	if err != nil {
		kind := shipz.KindOf(err)
		h.logger.Printf("apply rate failed: order=%s kind=%s err=%v", orderID, kind, err)
		writeJSON(w, statusFor(kind), errorResponse{
			Code:    string(kind),
			Message: shipz.PublicMessage(kind),
		})
		return
	}
	if len(result.Mismatch) > 0 {
		h.logger.Printf("apply rate persisted with mismatch: order=%s diffs=%v", orderID, result.Mismatch)
	}
	writeJSON(w, http.StatusOK, applyRateResponse{OK: true, Pricing: result.Pricing, Reused: result.Reused})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("request body is not valid JSON")
	}
	return nil
}

func statusFor(kind shipz.Kind) int {
	switch kind {
	case shipz.KindInvalidDestination, shipz.KindInvalidRate:
		return http.StatusBadRequest
	case shipz.KindNotFound:
		return http.StatusNotFound
	case shipz.KindLabelAlreadyCreated, shipz.KindOrderClosed:
		return http.StatusConflict
	case shipz.KindConfig, shipz.KindUpdateFailed, shipz.KindInconsistentMetadata:
		return http.StatusServiceUnavailable
	case shipz.KindCarrierAuth, shipz.KindCarrierFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fieldOf(err error) string {
	var ee *shipz.Error
	if errors.As(err, &ee) {
		return ee.Field
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
