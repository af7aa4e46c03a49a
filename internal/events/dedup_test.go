package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func TestMemoryDeduperSeen(t *testing.T) {
	d := NewMemoryDeduper(time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt-1")
	if err != nil || seen {
		t.Fatalf("first Seen = (%v, %v), want (false, nil)", seen, err)
	}
	seen, err = d.Seen(ctx, "evt-1")
	if err != nil || !seen {
		t.Fatalf("second Seen = (%v, %v), want (true, nil)", seen, err)
	}
	seen, _ = d.Seen(ctx, "evt-2")
	if seen {
		t.Error("unrelated id reported as seen")
	}
}

func TestMemoryDeduperExpiry(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	if seen, _ := d.Seen(context.Background(), "evt-1"); seen {
		t.Fatal("fresh id reported as seen")
	}
	now = now.Add(2 * time.Minute)
	if seen, _ := d.Seen(context.Background(), "evt-1"); seen {
		t.Error("expired id reported as seen")
	}
}

func TestMemoryDeduperPurge(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2"} {
		if _, err := d.Seen(ctx, id); err != nil {
			t.Fatalf("Seen(%s): %v", id, err)
		}
	}
	if purged := d.Purge(); purged != 0 {
		t.Fatalf("purged %d fresh ids", purged)
	}

	now = now.Add(2 * time.Minute)
	if purged := d.Purge(); purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if len(d.seen) != 0 {
		t.Errorf("%d ids retained after purge", len(d.seen))
	}
}

func TestDedupJanitorPurgesOnSchedule(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	if _, err := d.Seen(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Seen: %v", err)
	}
	now = now.Add(2 * time.Minute)

	j := NewDedupJanitor(d, time.Millisecond)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer j.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		remaining := len(d.seen)
		d.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired id not purged by janitor")
}

// TestRedisDeduperIntegration runs against a real Redis when
// TEST_REDIS_ADDR is set.
func TestRedisDeduperIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	d := NewRedisDeduper(client, time.Minute)
	id := uuid.NewString()
	if seen, err := d.Seen(ctx, id); err != nil || seen {
		t.Fatalf("first Seen = (%v, %v), want (false, nil)", seen, err)
	}
	if seen, err := d.Seen(ctx, id); err != nil || !seen {
		t.Fatalf("second Seen = (%v, %v), want (true, nil)", seen, err)
	}
}
