// Package memory provides an in-process shipz.OrderStore.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/shipz"
)

// Store keeps orders in a map. Each row is replaced whole under the lock,
// which gives the single-row atomicity shipz.OrderStore requires.
type Store struct {
	clock  clockz.Clock
	orders map[string]shipz.Order
	mu     sync.RWMutex
}

var _ shipz.OrderStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{orders: make(map[string]shipz.Order)}
}

// WithClock sets a custom clock for testing.
func (s *Store) WithClock(clock clockz.Clock) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *Store) getClock() clockz.Clock {
	if s.clock == nil {
		return clockz.RealClock
	}
	return s.clock
}

// next returns a token strictly after prev so back-to-back writes never
// share one.
func (s *Store) next(prev time.Time) time.Time {
	now := s.getClock().Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// CreateOrder inserts order. The id must be new.
func (s *Store) CreateOrder(ctx context.Context, order shipz.Order) (shipz.Order, error) {
	if err := ctx.Err(); err != nil {
		return shipz.Order{}, err
	}
	if strings.TrimSpace(order.ID) == "" {
		return shipz.Order{}, fmt.Errorf("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return shipz.Order{}, fmt.Errorf("order %s already exists", order.ID)
	}
	order.Metadata = order.Metadata.Clone()
	order.UpdatedAt = s.next(time.Time{})
	s.orders[order.ID] = order
	return order, nil
}

// GetOrder implements shipz.OrderStore.
func (s *Store) GetOrder(ctx context.Context, id string) (shipz.Order, error) {
	if err := ctx.Err(); err != nil {
		return shipz.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return shipz.Order{}, shipz.ErrOrderNotFound
	}
	order.Metadata = order.Metadata.Clone()
	return order, nil
}

// ReadOrderMetadata implements shipz.OrderStore.
func (s *Store) ReadOrderMetadata(ctx context.Context, id string) (shipz.Metadata, time.Time, error) {
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return shipz.Metadata{}, time.Time{}, err
	}
	return order.Metadata, order.UpdatedAt, nil
}

// UpdateOrderShipping implements shipz.OrderStore.
func (s *Store) UpdateOrderShipping(ctx context.Context, id string, doc shipz.Metadata, expectedUpdatedAt time.Time) (shipz.Order, error) {
	if err := ctx.Err(); err != nil {
		return shipz.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return shipz.Order{}, shipz.ErrOrderNotFound
	}
	if !expectedUpdatedAt.IsZero() && !order.UpdatedAt.Equal(expectedUpdatedAt) {
		return shipz.Order{}, shipz.ErrConflict
	}
	order.Metadata = doc.Clone()
	order.UpdatedAt = s.next(order.UpdatedAt)
	s.orders[id] = order
	order.Metadata = order.Metadata.Clone()
	return order, nil
}

// SetLabel records a purchased label on the order and moves its shipping
// status to label_created through the merge path. Orders whose status cannot
// move to label_created fail with shipz.ErrInvalidTransition.
func (s *Store) SetLabel(ctx context.Context, id, labelURL, trackingNumber string) (shipz.Order, error) {
	if err := ctx.Err(); err != nil {
		return shipz.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return shipz.Order{}, shipz.ErrOrderNotFound
	}
	if from := order.Metadata.Status(); !shipz.CanTransition(from, shipz.StatusLabelCreated) {
		return shipz.Order{}, fmt.Errorf("%w: %s to %s", shipz.ErrInvalidTransition, from, shipz.StatusLabelCreated)
	}
	order.ShippingLabelURL = labelURL
	order.TrackingNumber = trackingNumber
	order.Metadata = shipz.MergePreservingCents(order.Metadata, shipz.ShippingPatch{Status: shipz.StatusLabelCreated}, nil)
	order.UpdatedAt = s.next(order.UpdatedAt)
	s.orders[id] = order
	order.Metadata = order.Metadata.Clone()
	return order, nil
}

// Len returns the number of orders.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
