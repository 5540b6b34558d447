// Package sqlite provides a SQLite-backed watch-item store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/market-watch/pkg/watchlist"
	"github.com/Sternrassler/market-watch/pkg/watchlist/sqlite/migrations"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists watch items and their price history in SQLite.
type Store struct {
	sqlDB        *sql.DB
	historyLimit int
}

var _ watchlist.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations. historyLimit
// caps the price points kept per item; zero or less means
// watchlist.DefaultHistoryLimit.
func Open(path string, historyLimit int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if historyLimit <= 0 {
		historyLimit = watchlist.DefaultHistoryLimit
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, historyLimit: historyLimit}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

const itemColumns = `id, owner_id, item_id, name, target_price, current_price,
	alert_enabled, last_alert_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (watchlist.Item, error) {
	var (
		item        watchlist.Item
		enabled     int
		lastAlertAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.ItemID,
		&item.Name,
		&item.TargetPrice,
		&item.CurrentPrice,
		&enabled,
		&lastAlertAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return watchlist.Item{}, err
	}
	item.AlertEnabled = enabled != 0
	if lastAlertAt.Valid {
		item.LastAlertAt = fromMillis(lastAlertAt.Int64)
	}
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return item, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Add inserts a new watch item and returns it with its assigned ID.
func (s *Store) Add(ctx context.Context, item watchlist.Item) (watchlist.Item, error) {
	if err := ctx.Err(); err != nil {
		return watchlist.Item{}, err
	}
	item.OwnerID = strings.TrimSpace(item.OwnerID)
	item.ItemID = strings.TrimSpace(item.ItemID)
	item.Name = strings.TrimSpace(item.Name)
	if item.OwnerID == "" {
		return watchlist.Item{}, fmt.Errorf("%w: owner id is required", watchlist.ErrInvalid)
	}
	if item.ItemID == "" {
		return watchlist.Item{}, fmt.Errorf("%w: item id is required", watchlist.ErrInvalid)
	}
	if item.TargetPrice.IsNegative() {
		return watchlist.Item{}, fmt.Errorf("%w: target price must not be negative", watchlist.ErrInvalid)
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	var lastAlertAt sql.NullInt64
	if !item.LastAlertAt.IsZero() {
		lastAlertAt = sql.NullInt64{Int64: toMillis(item.LastAlertAt), Valid: true}
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO watch_items (
		   owner_id, item_id, name, target_price, current_price,
		   alert_enabled, last_alert_at, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.OwnerID,
		item.ItemID,
		item.Name,
		item.TargetPrice.String(),
		item.CurrentPrice.String(),
		boolToInt(item.AlertEnabled),
		lastAlertAt,
		toMillis(item.CreatedAt),
		toMillis(item.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return watchlist.Item{}, watchlist.ErrAlreadyExists
		}
		return watchlist.Item{}, fmt.Errorf("add watch item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return watchlist.Item{}, fmt.Errorf("add watch item: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns one watch item by ID.
func (s *Store) Get(ctx context.Context, id int64) (watchlist.Item, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM watch_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return watchlist.Item{}, watchlist.ErrNotFound
	}
	if err != nil {
		return watchlist.Item{}, fmt.Errorf("get watch item: %w", err)
	}
	return item, nil
}

// ListByOwner returns every item of an owner ordered by ID.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]watchlist.Item, error) {
	return s.list(ctx, `SELECT `+itemColumns+` FROM watch_items WHERE owner_id = ? ORDER BY id`, strings.TrimSpace(ownerID))
}

// ListActive returns items with alerts enabled and a positive target price.
func (s *Store) ListActive(ctx context.Context) ([]watchlist.Item, error) {
	items, err := s.list(ctx, `SELECT `+itemColumns+` FROM watch_items WHERE alert_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	active := items[:0]
	for _, item := range items {
		if item.Active() {
			active = append(active, item)
		}
	}
	return active, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]watchlist.Item, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watch items: %w", err)
	}
	defer rows.Close()

	items := []watchlist.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watch items: %w", err)
	}
	return items, nil
}

// UpdatePrice sets the current price, appends a history point and prunes
// history beyond the configured limit, in one transaction.
func (s *Store) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal, at time.Time) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update price: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE watch_items SET current_price = ?, updated_at = ? WHERE id = ?`,
		price.String(), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history (watch_item_id, price, recorded_at) VALUES (?, ?, ?)`,
		id, price.String(), toMillis(at),
	); err != nil {
		return fmt.Errorf("append price history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM price_history
		 WHERE watch_item_id = ?
		   AND id NOT IN (
		     SELECT id FROM price_history WHERE watch_item_id = ? ORDER BY id DESC LIMIT ?
		   )`,
		id, id, s.historyLimit,
	); err != nil {
		return fmt.Errorf("prune price history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update price: %w", err)
	}
	return nil
}

// RecordAlert stores the time of the last alert.
func (s *Store) RecordAlert(ctx context.Context, id int64, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE watch_items SET last_alert_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return requireOneRow(res)
}

// SetTargetPrice changes the alert threshold of an item.
func (s *Store) SetTargetPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: target price must not be negative", watchlist.ErrInvalid)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE watch_items SET target_price = ?, updated_at = ? WHERE id = ?`,
		price.String(), toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set target price: %w", err)
	}
	return requireOneRow(res)
}

// SetAlertEnabled turns alerting for an item on or off.
func (s *Store) SetAlertEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE watch_items SET alert_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set alert enabled: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes an item and its price history.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM price_history WHERE watch_item_id = ?`, id); err != nil {
		return fmt.Errorf("delete price history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM watch_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watch item: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// History returns up to limit price points for an item, newest first.
func (s *Store) History(ctx context.Context, id int64, limit int) ([]watchlist.PricePoint, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT price, recorded_at FROM price_history WHERE watch_item_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list price history: %w", err)
	}
	defer rows.Close()

	points := []watchlist.PricePoint{}
	for rows.Next() {
		var (
			point      watchlist.PricePoint
			recordedAt int64
		)
		if err := rows.Scan(&point.Price, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		point.RecordedAt = fromMillis(recordedAt)
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history: %w", err)
	}
	return points, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return watchlist.ErrNotFound
	}
	return nil
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
