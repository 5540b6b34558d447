//go:build integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/market-watch/internal/testutil"
	"github.com/Sternrassler/market-watch/pkg/alert"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return host + ":" + port.Port()
}

func newRedisTestServer(t *testing.T) *testServer {
	t.Helper()

	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)

	cfg := testConfig(t, mock.URL())
	cfg.RedisAddr = setupTestRedis(t)
	a := newTestApp(t, cfg)

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	return &testServer{t: t, app: a, mock: mock, srv: srv}
}

func TestIntegration_ReadyWithRedis(t *testing.T) {
	s := newRedisTestServer(t)

	status, body := s.do("GET", "/ready", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	got := decode[struct {
		Checks map[string]string `json:"checks"`
	}](t, body)
	if got.Checks["redis"] != "ok" {
		t.Errorf("redis check = %q, want ok", got.Checks["redis"])
	}

	if err := s.app.redis.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
	if status, _ := s.do("GET", "/ready", ""); status != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 after redis closed, got %d", status)
	}
}

func TestIntegration_PriceWritesThroughToRedis(t *testing.T) {
	s := newRedisTestServer(t)
	s.mock.SetResponse(overviewPath, testutil.NewPriceOverviewResponse("$4.20", "$4.50"))

	if status, body := s.do("GET", "/price?item=Redis+Check", ""); status != http.StatusOK {
		t.Fatalf("price status = %d, body = %s", status, body)
	}

	n, err := s.app.redis.DBSize(context.Background()).Result()
	if err != nil {
		t.Fatalf("DBSIZE: %v", err)
	}
	if n == 0 {
		t.Error("price quote was not written to the redis tier")
	}
}

func TestIntegration_SweepPublishesAlert(t *testing.T) {
	s := newRedisTestServer(t)
	ctx := context.Background()

	sub := s.app.redis.Subscribe(ctx, s.app.cfg.Alert.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	status, body := s.do("POST", "/watchlist", `{"owner_id":"u1","item_id":"Glove Case","target_price":"10"}`)
	if status != http.StatusCreated {
		t.Fatalf("POST /watchlist status = %d, body = %s", status, body)
	}
	item := decode[itemResponse](t, body)
	if err := s.app.store.UpdatePrice(ctx, item.ID, decimal.NewFromInt(12), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	s.mock.SetResponse(overviewPath, testutil.NewPriceOverviewResponse("$9.00", "$9.50"))

	if status, body := s.do("POST", "/sweep", ""); status != http.StatusOK {
		t.Fatalf("POST /sweep status = %d, body = %s", status, body)
	}

	var msg *redis.Message
	select {
	case msg = <-sub.Channel():
	case <-time.After(5 * time.Second):
		t.Fatal("no alert published")
	}

	var ev alert.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.WatchItemID != item.ID || ev.ItemID != "Glove Case" {
		t.Errorf("event = %+v, want item %s", ev, strconv.FormatInt(item.ID, 10))
	}
	if !ev.NewPrice.Equal(decimal.NewFromInt(9)) || !ev.OldPrice.Equal(decimal.NewFromInt(12)) {
		t.Errorf("event prices old=%s new=%s", ev.OldPrice, ev.NewPrice)
	}
}
