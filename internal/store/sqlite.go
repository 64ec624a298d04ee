package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderJournal = (*SQLiteStore)(nil)

// SQLiteStore implements OrderJournal backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		correlation_id  TEXT PRIMARY KEY,
		profile         TEXT NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		request         TEXT NOT NULL,
		state           TEXT NOT NULL,
		filled_qty      INTEGER NOT NULL DEFAULT 0,
		avg_price       TEXT NOT NULL DEFAULT '0',
		reason          TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_seq        INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_profile_created ON orders (profile, created_at)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore. Use ":memory:" for a throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Single connection: SQLite serialises writers and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderJournal implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts the order or replaces the stored snapshot with the same
// correlation id.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o domain.Order) error {
	req, err := json.Marshal(o.Request)
	if err != nil {
		return fmt.Errorf("encoding order request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (correlation_id, profile, broker_order_id, request, state,
			filled_qty, avg_price, reason, attempts, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			state           = excluded.state,
			filled_qty      = excluded.filled_qty,
			avg_price       = excluded.avg_price,
			reason          = excluded.reason,
			attempts        = excluded.attempts,
			last_seq        = excluded.last_seq,
			updated_at      = excluded.updated_at`,
		o.CorrelationID, string(o.Profile), o.BrokerOrderID, string(req), string(o.State),
		o.FilledQty, o.AvgPrice.String(), o.Reason, o.Attempts, o.LastSeq,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.CorrelationID, err)
	}
	return nil
}

const orderColumns = `correlation_id, profile, broker_order_id, request, state,
	filled_qty, avg_price, reason, attempts, last_seq, created_at, updated_at`

// GetOrder retrieves a single order by its correlation id. It returns
// domain.ErrNotFound when no snapshot exists.
func (s *SQLiteStore) GetOrder(ctx context.Context, correlationID string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE correlation_id = ?`, correlationID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", correlationID, domain.ErrNotFound)
	}
	return o, err
}

// ListOrders returns a profile's orders created at or after since, oldest
// first. A zero since returns everything.
func (s *SQLiteStore) ListOrders(ctx context.Context, profile domain.ProfileID, since time.Time) ([]domain.Order, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE profile = ? AND created_at >= ? ORDER BY created_at`,
		string(profile), from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (domain.Order, error) {
	var (
		o                domain.Order
		profile, req     string
		state, avg       string
		created, updated int64
	)
	if err := sc.Scan(&o.CorrelationID, &profile, &o.BrokerOrderID, &req, &state,
		&o.FilledQty, &avg, &o.Reason, &o.Attempts, &o.LastSeq, &created, &updated); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal([]byte(req), &o.Request); err != nil {
		return domain.Order{}, fmt.Errorf("decoding order %s request: %w", o.CorrelationID, err)
	}
	price, err := decimal.NewFromString(avg)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decoding order %s avg price: %w", o.CorrelationID, err)
	}
	o.Profile = domain.ProfileID(profile)
	o.State = domain.OrderState(state)
	o.AvgPrice = price
	o.CreatedAt = time.Unix(0, created)
	o.UpdatedAt = time.Unix(0, updated)
	return o, nil
}
