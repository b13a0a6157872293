// Package sqlite provides a SQLite-backed shipz.OrderStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zoobzio/shipz"
	"github.com/zoobzio/shipz/store"
	"github.com/zoobzio/shipz/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// ErrAlreadyExists is returned by CreateOrder for a duplicate id.
var ErrAlreadyExists = errors.New("order already exists")

// Store persists orders in SQLite. The shipping document is stored as JSON
// text and updated_at, in Unix milliseconds, is the freshness token.
type Store struct {
	sqlDB *sql.DB
}

var _ shipz.OrderStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite order store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := store.ApplyMigrations(context.Background(), sqlDB, migrations.FS, store.SQLite); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateOrder inserts one order.
func (s *Store) CreateOrder(ctx context.Context, order shipz.Order) (shipz.Order, error) {
	if err := s.ready(ctx); err != nil {
		return shipz.Order{}, err
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return shipz.Order{}, fmt.Errorf("order id is required")
	}
	doc, err := order.Metadata.MarshalJSON()
	if err != nil {
		return shipz.Order{}, fmt.Errorf("encode metadata: %w", err)
	}
	status := strings.TrimSpace(order.Status)
	if status == "" {
		status = "pending"
	}
	now := toMillis(time.Now())

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO orders (
		   id,
		   status,
		   shipping_label_url,
		   tracking_number,
		   subtotal_cents,
		   metadata,
		   created_at,
		   updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		status,
		order.ShippingLabelURL,
		order.TrackingNumber,
		order.SubtotalCents,
		string(doc),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shipz.Order{}, ErrAlreadyExists
		}
		return shipz.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return s.GetOrder(ctx, id)
}

// GetOrder implements shipz.OrderStore.
func (s *Store) GetOrder(ctx context.Context, id string) (shipz.Order, error) {
	if err := s.ready(ctx); err != nil {
		return shipz.Order{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, status, shipping_label_url, tracking_number, subtotal_cents, metadata, updated_at
		 FROM orders WHERE id = ?`,
		id,
	)
	var (
		order     shipz.Order
		doc       string
		updatedAt int64
	)
	err := row.Scan(&order.ID, &order.Status, &order.ShippingLabelURL, &order.TrackingNumber,
		&order.SubtotalCents, &doc, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shipz.Order{}, shipz.ErrOrderNotFound
		}
		return shipz.Order{}, fmt.Errorf("get order: %w", err)
	}
	order.Metadata, err = shipz.ParseMetadata([]byte(doc))
	if err != nil {
		return shipz.Order{}, err
	}
	order.UpdatedAt = fromMillis(updatedAt)
	return order, nil
}

// ReadOrderMetadata implements shipz.OrderStore.
func (s *Store) ReadOrderMetadata(ctx context.Context, id string) (shipz.Metadata, time.Time, error) {
	if err := s.ready(ctx); err != nil {
		return shipz.Metadata{}, time.Time{}, err
	}
	var (
		doc       string
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT metadata, updated_at FROM orders WHERE id = ?`, id).
		Scan(&doc, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shipz.Metadata{}, time.Time{}, shipz.ErrOrderNotFound
		}
		return shipz.Metadata{}, time.Time{}, fmt.Errorf("read metadata: %w", err)
	}
	m, err := shipz.ParseMetadata([]byte(doc))
	if err != nil {
		return shipz.Metadata{}, time.Time{}, err
	}
	return m, fromMillis(updatedAt), nil
}

// UpdateOrderShipping implements shipz.OrderStore. updated_at always moves
// forward by at least one millisecond so consecutive writes get distinct
// tokens.
func (s *Store) UpdateOrderShipping(ctx context.Context, id string, doc shipz.Metadata, expectedUpdatedAt time.Time) (shipz.Order, error) {
	if err := s.ready(ctx); err != nil {
		return shipz.Order{}, err
	}
	encoded, err := doc.MarshalJSON()
	if err != nil {
		return shipz.Order{}, fmt.Errorf("encode metadata: %w", err)
	}
	var expected int64
	if !expectedUpdatedAt.IsZero() {
		expected = toMillis(expectedUpdatedAt)
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE orders
		 SET metadata = ?, updated_at = MAX(?, updated_at + 1)
		 WHERE id = ? AND (? = 0 OR updated_at = ?)`,
		string(encoded),
		toMillis(time.Now()),
		id,
		expected,
		expected,
	)
	if err != nil {
		return shipz.Order{}, fmt.Errorf("update order shipping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return shipz.Order{}, fmt.Errorf("update order shipping: %w", err)
	}
	if n == 0 {
		if _, gerr := s.GetOrder(ctx, id); gerr != nil {
			return shipz.Order{}, gerr
		}
		return shipz.Order{}, shipz.ErrConflict
	}
	return s.GetOrder(ctx, id)
}

// SetLabel records a purchased label and moves the shipping status to
// label_created. Orders whose status cannot move there fail with
// shipz.ErrInvalidTransition.
func (s *Store) SetLabel(ctx context.Context, id, labelURL, trackingNumber string) (shipz.Order, error) {
	if err := s.ready(ctx); err != nil {
		return shipz.Order{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return shipz.Order{}, fmt.Errorf("begin label transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM orders WHERE id = ?`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shipz.Order{}, shipz.ErrOrderNotFound
		}
		return shipz.Order{}, fmt.Errorf("read metadata: %w", err)
	}
	m, err := shipz.ParseMetadata([]byte(doc))
	if err != nil {
		return shipz.Order{}, err
	}
	if from := m.Status(); !shipz.CanTransition(from, shipz.StatusLabelCreated) {
		return shipz.Order{}, fmt.Errorf("%w: %s to %s", shipz.ErrInvalidTransition, from, shipz.StatusLabelCreated)
	}
	merged, err := shipz.MergePreservingCents(m, shipz.ShippingPatch{Status: shipz.StatusLabelCreated}, nil).MarshalJSON()
	if err != nil {
		return shipz.Order{}, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE orders
		 SET shipping_label_url = ?, tracking_number = ?, metadata = ?, updated_at = MAX(?, updated_at + 1)
		 WHERE id = ?`,
		labelURL, trackingNumber, string(merged), toMillis(time.Now()), id,
	); err != nil {
		return shipz.Order{}, fmt.Errorf("set label: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return shipz.Order{}, fmt.Errorf("commit label: %w", err)
	}
	return s.GetOrder(ctx, id)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
