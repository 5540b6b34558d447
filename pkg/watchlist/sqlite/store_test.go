package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/market-watch/pkg/watchlist"
	"github.com/shopspring/decimal"
)

func openTempStore(t *testing.T, historyLimit int) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "watchlist.db"), historyLimit)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func addItem(t *testing.T, store *Store, owner, itemID, target string) watchlist.Item {
	t.Helper()
	item, err := store.Add(context.Background(), watchlist.Item{
		OwnerID:      owner,
		ItemID:       itemID,
		TargetPrice:  price(target),
		AlertEnabled: true,
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	return item
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("", 0); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watchlist.db")
	first, err := Open(path, 0)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := first.Add(context.Background(), watchlist.Item{OwnerID: "u1", ItemID: "Case Key", TargetPrice: price("2.00")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_ = first.Close()

	second, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen with applied migrations: %v", err)
	}
	defer second.Close()

	items, err := second.ListByOwner(context.Background(), "u1")
	if err != nil || len(items) != 1 {
		t.Fatalf("items after reopen = %v, %v", items, err)
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	created := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	input := watchlist.Item{
		OwnerID:      " u1 ",
		ItemID:       "AK-47 | Redline (Field-Tested)",
		Name:         "Redline",
		TargetPrice:  price("10.00"),
		CurrentPrice: price("12.34"),
		AlertEnabled: true,
		CreatedAt:    created,
	}

	got, err := store.Add(context.Background(), input)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if got.OwnerID != "u1" {
		t.Fatalf("owner_id = %q, want trimmed u1", got.OwnerID)
	}
	if !got.TargetPrice.Equal(price("10")) || !got.CurrentPrice.Equal(price("12.34")) {
		t.Fatalf("prices = %s/%s, want 10/12.34", got.TargetPrice, got.CurrentPrice)
	}
	if !got.AlertEnabled {
		t.Fatal("alert_enabled = false, want true")
	}
	if !got.LastAlertAt.IsZero() {
		t.Fatalf("last_alert_at = %v, want zero", got.LastAlertAt)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created) {
		t.Fatalf("timestamps = %v/%v, want %v", got.CreatedAt, got.UpdatedAt, created)
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	tests := []struct {
		name string
		item watchlist.Item
	}{
		{"missing owner", watchlist.Item{ItemID: "x", TargetPrice: price("1")}},
		{"missing item", watchlist.Item{OwnerID: "u1", TargetPrice: price("1")}},
		{"negative target", watchlist.Item{OwnerID: "u1", ItemID: "x", TargetPrice: price("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Add(context.Background(), tt.item); !errors.Is(err, watchlist.ErrInvalid) {
				t.Fatalf("Add() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestAddReturnsAlreadyExistsOnDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	addItem(t, store, "u1", "Case Key", "2.00")

	_, err := store.Add(context.Background(), watchlist.Item{OwnerID: "u1", ItemID: "Case Key", TargetPrice: price("1.00")})
	if !errors.Is(err, watchlist.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}

	// Another owner may watch the same item.
	addItem(t, store, "u2", "Case Key", "2.00")
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	if _, err := store.Get(context.Background(), 42); !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListActiveFiltersDisabledAndZeroTargets(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	ctx := context.Background()

	active := addItem(t, store, "u1", "A", "5.00")
	disabled := addItem(t, store, "u1", "B", "5.00")
	addItem(t, store, "u2", "C", "0")
	if err := store.SetAlertEnabled(ctx, disabled.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	items, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(items) != 1 || items[0].ID != active.ID {
		t.Fatalf("active items = %+v, want only %d", items, active.ID)
	}
}

func TestListByOwner(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	addItem(t, store, "u1", "A", "1")
	addItem(t, store, "u1", "B", "1")
	addItem(t, store, "u2", "C", "1")

	items, err := store.ListByOwner(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(items) != 2 || items[0].ItemID != "A" || items[1].ItemID != "B" {
		t.Fatalf("items = %+v", items)
	}

	none, err := store.ListByOwner(context.Background(), "nobody")
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("empty owner = %#v, %v; want empty slice", none, err)
	}
}

func TestUpdatePriceAppendsHistory(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	ctx := context.Background()
	item := addItem(t, store, "u1", "A", "10.00")

	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpdatePrice(ctx, item.ID, price("12.00"), t0); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if err := store.UpdatePrice(ctx, item.ID, price("9.00"), t0.Add(15*time.Minute)); err != nil {
		t.Fatalf("update price: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CurrentPrice.Equal(price("9")) {
		t.Fatalf("current_price = %s, want 9", got.CurrentPrice)
	}

	history, err := store.History(ctx, item.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if !history[0].Price.Equal(price("9")) || !history[1].Price.Equal(price("12")) {
		t.Fatalf("history = %+v, want newest first", history)
	}
	if !history[0].RecordedAt.Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("recorded_at = %v", history[0].RecordedAt)
	}
}

func TestUpdatePriceCapsHistory(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 3)
	ctx := context.Background()
	item := addItem(t, store, "u1", "A", "10.00")

	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		if err := store.UpdatePrice(ctx, item.ID, decimal.NewFromInt(int64(i)), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("update price %d: %v", i, err)
		}
	}

	history, err := store.History(ctx, item.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if !history[0].Price.Equal(decimal.NewFromInt(5)) || !history[2].Price.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("history = %+v, want prices 5,4,3", history)
	}
}

func TestUpdatePriceMissingItem(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	err := store.UpdatePrice(context.Background(), 99, price("1"), time.Now())
	if !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	history, _ := store.History(context.Background(), 99, 0)
	if len(history) != 0 {
		t.Fatal("failed update left a history point")
	}
}

func TestRecordAlert(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	ctx := context.Background()
	item := addItem(t, store, "u1", "A", "10.00")

	at := time.Date(2026, time.March, 2, 8, 30, 0, 0, time.UTC)
	if err := store.RecordAlert(ctx, item.ID, at); err != nil {
		t.Fatalf("record alert: %v", err)
	}
	got, _ := store.Get(ctx, item.ID)
	if !got.LastAlertAt.Equal(at) {
		t.Fatalf("last_alert_at = %v, want %v", got.LastAlertAt, at)
	}

	if err := store.RecordAlert(ctx, 1234, at); !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetTargetPriceAndEnabled(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	ctx := context.Background()
	item := addItem(t, store, "u1", "A", "10.00")

	if err := store.SetTargetPrice(ctx, item.ID, price("7.50")); err != nil {
		t.Fatalf("set target: %v", err)
	}
	if err := store.SetTargetPrice(ctx, item.ID, price("-1")); !errors.Is(err, watchlist.ErrInvalid) {
		t.Fatalf("SetTargetPrice(-1) error = %v, want ErrInvalid", err)
	}
	if err := store.SetAlertEnabled(ctx, item.ID, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}

	got, _ := store.Get(ctx, item.ID)
	if !got.TargetPrice.Equal(price("7.5")) || got.AlertEnabled {
		t.Fatalf("item = %+v", got)
	}

	if err := store.SetAlertEnabled(ctx, 999, true); !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesItemAndHistory(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, 0)
	ctx := context.Background()
	item := addItem(t, store, "u1", "A", "10.00")
	_ = store.UpdatePrice(ctx, item.ID, price("11"), time.Now())

	if err := store.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, item.ID); !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	history, _ := store.History(ctx, item.ID, 0)
	if len(history) != 0 {
		t.Fatalf("history after delete = %v", history)
	}
	if err := store.Delete(ctx, item.ID); !errors.Is(err, watchlist.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestExtractUp(t *testing.T) {
	t.Parallel()

	content := "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	if got := extractUp(content); got != "\nCREATE TABLE a (id INTEGER);\n" {
		t.Fatalf("extractUp() = %q", got)
	}
	if got := extractUp("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("extractUp() without markers = %q", got)
	}
}
