// Package watchlist defines the watch-item model and its persistence contracts.
package watchlist

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates a requested watch item is missing.
	ErrNotFound = errors.New("watch item not found")
	// ErrAlreadyExists indicates the owner already watches this item.
	ErrAlreadyExists = errors.New("watch item already exists")
	// ErrInvalid wraps validation failures of item fields.
	ErrInvalid = errors.New("invalid watch item")
)

// DefaultHistoryLimit is how many price points are kept per item.
const DefaultHistoryLimit = 100

// Item is one user-tracked marketplace item.
type Item struct {
	ID int64

	// OwnerID identifies the user that watches the item.
	OwnerID string

	// ItemID is the provider identifier (the marketplace hash name).
	ItemID string

	// Name is a display label.
	Name string

	// TargetPrice is the price at or below which the owner wants an alert.
	TargetPrice decimal.Decimal

	// CurrentPrice is the last observed price. Zero means never priced.
	CurrentPrice decimal.Decimal

	AlertEnabled bool

	// LastAlertAt is when the last alert was raised. Zero means never.
	LastAlertAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the scheduler should re-price the item.
func (i Item) Active() bool {
	return i.AlertEnabled && i.TargetPrice.IsPositive()
}

// PricePoint is one entry of an item's price history.
type PricePoint struct {
	Price      decimal.Decimal
	RecordedAt time.Time
}

// AlertStore is the subset of the store the alert scheduler needs.
type AlertStore interface {
	// ListActive returns every item with alerts enabled and a positive target price.
	ListActive(ctx context.Context) ([]Item, error)

	// UpdatePrice stores the current price and appends it to the history.
	UpdatePrice(ctx context.Context, id int64, price decimal.Decimal, at time.Time) error

	// RecordAlert stores the time of the last raised alert.
	RecordAlert(ctx context.Context, id int64, at time.Time) error
}

// Store is the full watch-item persistence contract.
type Store interface {
	AlertStore

	Add(ctx context.Context, item Item) (Item, error)
	Get(ctx context.Context, id int64) (Item, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Item, error)
	SetTargetPrice(ctx context.Context, id int64, price decimal.Decimal) error
	SetAlertEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error

	// History returns up to limit price points, newest first.
	History(ctx context.Context, id int64, limit int) ([]PricePoint, error)

	Close() error
}
