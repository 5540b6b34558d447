//go:build integration

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})

	return client
}

func TestRedisTier_Integration_Expiry(t *testing.T) {
	tier := NewRedisTier(setupRedis(t))
	ctx := context.Background()

	if err := tier.Set(ctx, RegionMarket, "short", "v", time.Second); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if _, err := tier.Get(ctx, RegionMarket, "short"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := tier.Get(ctx, RegionMarket, "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestPopulator_Integration_SharedAcrossInstances(t *testing.T) {
	tier := NewRedisTier(setupRedis(t))
	ctx := context.Background()

	newPopulator := func() *Populator {
		c, err := New(Config{})
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		t.Cleanup(c.Close)
		return NewPopulator(c, PopulatorConfig{L2: tier})
	}

	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"730", "440"}, nil
	}

	a, b := newPopulator(), newPopulator()
	if _, err := GetOrSet(ctx, a, RegionMarket, "apps", 0, load); err != nil {
		t.Fatalf("GetOrSet(a) error: %v", err)
	}
	got, err := GetOrSet(ctx, b, RegionMarket, "apps", 0, load)
	if err != nil {
		t.Fatalf("GetOrSet(b) error: %v", err)
	}
	if len(got) != 2 || calls != 1 {
		t.Errorf("got %v with %d loader calls, want 2 values and 1 call", got, calls)
	}
}
