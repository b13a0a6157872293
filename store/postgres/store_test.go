package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/shipz"
)

// openTestStore connects to SHIPZ_TEST_POSTGRES_DSN and skips when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SHIPZ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHIPZ_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}

func TestStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc, err := shipz.ParseMetadata([]byte(`{
		"customer_note": "gift",
		"shipping": {"status": "rate_selected", "rate_used": {"carrier_cents": null, "price_cents": null}},
		"shipping_pricing": {"rate_id": "r1", "carrier_cents": 9000, "packaging_cents": 500, "margin_cents": 900, "total_cents": 10400, "customer_total_cents": 10400}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	id := uuid.NewString()
	created, err := s.CreateOrder(ctx, shipz.Order{ID: id, Status: "paid", SubtotalCents: 50000, Metadata: doc})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateOrder(ctx, shipz.Order{ID: id}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	t.Run("Read", func(t *testing.T) {
		m, token, err := s.ReadOrderMetadata(ctx, id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !token.Equal(created.UpdatedAt) {
			t.Errorf("expected token %v, got %v", created.UpdatedAt, token)
		}
		if _, ok := m.Extra("customer_note"); !ok {
			t.Error("expected unknown keys kept")
		}
	})

	t.Run("Freshness Token", func(t *testing.T) {
		m, token, _ := s.ReadOrderMetadata(ctx, id)
		if _, err := s.UpdateOrderShipping(ctx, id, m, token); err != nil {
			t.Fatalf("update with current token: %v", err)
		}
		if _, err := s.UpdateOrderShipping(ctx, id, m, token); !errors.Is(err, shipz.ErrConflict) {
			t.Errorf("expected conflict for stale token, got %v", err)
		}
	})

	t.Run("SetLabel Keeps Cents", func(t *testing.T) {
		order, err := s.SetLabel(ctx, id, "https://labels.example/o1.pdf", "TRK1")
		if err != nil {
			t.Fatalf("set label: %v", err)
		}
		if err := shipz.CheckConsistency(order.Metadata); err != nil {
			t.Errorf("expected consistent document: %v", err)
		}
		if order.Metadata.Status() != shipz.StatusLabelCreated {
			t.Errorf("expected label_created, got %s", order.Metadata.Status())
		}
	})

	t.Run("SetLabel Rejects Delivered Order", func(t *testing.T) {
		delivered, err := shipz.ParseMetadata([]byte(`{"shipping": {"status": "delivered"}}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		other := uuid.NewString()
		if _, err := s.CreateOrder(ctx, shipz.Order{ID: other, Metadata: delivered}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.SetLabel(ctx, other, "https://labels.example/o2.pdf", "TRK2"); !errors.Is(err, shipz.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Missing Order", func(t *testing.T) {
		if _, err := s.GetOrder(ctx, uuid.NewString()); !errors.Is(err, shipz.ErrOrderNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
