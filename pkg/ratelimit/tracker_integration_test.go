//go:build integration

package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedWindow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	writer := NewTracker(redisClient, logger)
	reader := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := writer.Record(ctx, 2*time.Second); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	remaining, err := reader.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining <= 0 || remaining > 2*time.Second {
		t.Errorf("Remaining() from second tracker = %v, want (0, 2s]", remaining)
	}
}

func TestTracker_Integration_WindowExpires(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(redisClient, zerolog.Nop())
	ctx := context.Background()

	if err := tracker.Record(ctx, 200*time.Millisecond); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	// The key has a PX expiry matching the window.
	if exists := redisClient.Exists(ctx, RedisKeyThrottleUntil).Val(); exists != 0 {
		t.Errorf("throttle key still present after window closed")
	}

	remaining, err := tracker.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Remaining() = %v, want 0", remaining)
	}
}

func TestTracker_Integration_ConcurrentRecords(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(redisClient, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(seconds int) {
			defer wg.Done()
			if err := tracker.Record(ctx, time.Duration(seconds)*time.Second); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.ThrottleCount != 10 {
		t.Errorf("ThrottleCount = %d, want 10", state.ThrottleCount)
	}
	if r := state.Remaining(time.Now()); r < 9*time.Second {
		t.Errorf("Remaining() = %v, want the longest window (~10s)", r)
	}
}
