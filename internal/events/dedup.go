package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultDedupTTL bounds how long processed event ids are remembered.
const DefaultDedupTTL = 24 * time.Hour

const dedupKeyPrefix = "doitez:events:"

// Deduper suppresses redelivered Pub/Sub events. Seen atomically marks an
// event id as processed and reports whether it had been seen before.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// RedisDeduper tracks processed event ids in Redis so duplicate
// suppression holds across replicas.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper wraps the given client. ttl defaults to DefaultDedupTTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.SetNX(ctx, dedupKeyPrefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// MemoryDeduper tracks processed event ids in process memory. Used when no
// Redis address is configured and by tests.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

var _ Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper returns an in-process deduper. ttl defaults to
// DefaultDedupTTL.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.purgeLocked(now)
	if _, ok := d.seen[eventID]; ok {
		return true, nil
	}
	d.seen[eventID] = now
	return false, nil
}

// Purge drops entries older than the ttl and reports how many went.
func (d *MemoryDeduper) Purge() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purgeLocked(d.now())
}

func (d *MemoryDeduper) purgeLocked(now time.Time) int {
	purged := 0
	for id, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, id)
			purged++
		}
	}
	return purged
}

const defaultJanitorInterval = time.Hour

// DedupJanitor periodically purges a MemoryDeduper. Seen purges as a side
// effect, so the janitor only matters once traffic stops; without it an
// idle process holds the last day of ids until shutdown.
type DedupJanitor struct {
	deduper  *MemoryDeduper
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewDedupJanitor returns a janitor purging on the given interval, hourly
// when interval is not positive.
func NewDedupJanitor(deduper *MemoryDeduper, interval time.Duration) *DedupJanitor {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	return &DedupJanitor{deduper: deduper, interval: interval}
}

// Name identifies the janitor to the service manager.
func (j *DedupJanitor) Name() string { return "dedup-janitor" }

// Start launches the purge loop.
func (j *DedupJanitor) Start(_ context.Context) error {
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	go j.loop(j.stop, j.done)
	return nil
}

func (j *DedupJanitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.deduper.Purge()
		case <-stop:
			return
		}
	}
}

// Stop ends the purge loop and waits for it to exit.
func (j *DedupJanitor) Stop(ctx context.Context) error {
	close(j.stop)
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
