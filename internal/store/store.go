// Package store persists tradedesk state: an order journal in SQLite and a
// quote archive in Parquet.
package store

import (
	"context"
	"time"

	"tradedesk/internal/domain"
)

// OrderJournal records every order snapshot so terminal orders can still be
// looked up after they are evicted from memory.
type OrderJournal interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, correlationID string) (domain.Order, error)
	ListOrders(ctx context.Context, profile domain.ProfileID, since time.Time) ([]domain.Order, error)
}

// QuoteArchive buffers accepted quotes and writes them to disk.
type QuoteArchive interface {
	Append(profile domain.ProfileID, quotes []domain.Quote)
	Flush(ctx context.Context) error
	ReadQuotes(ctx context.Context, profile domain.ProfileID, day time.Time) ([]domain.Quote, error)
}
