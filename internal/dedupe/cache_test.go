// ABOUTME: Tests for the idempotency key cache
// ABOUTME: Validates TTL expiry, size-bounded eviction, sweeping and concurrent use

package dedupe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.SetClock(clock.now)
	return c, clock
}

func TestCache_LookupMissing(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	_, ok := c.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	c.Remember("alice/t1/key-1", "msg-1")

	v, ok := c.Lookup("alice/t1/key-1")
	require.True(t, ok)
	assert.Equal(t, "msg-1", v)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Remember("k", "v")

	clock.advance(59 * time.Second)
	_, ok := c.Lookup("k")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = c.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on lookup")
}

func TestCache_RememberRefreshesTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Remember("k", "v1")
	clock.advance(50 * time.Second)
	c.Remember("k", "v2")
	clock.advance(50 * time.Second)

	v, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)
	for i := range 4 {
		c.Remember(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	assert.Equal(t, 3, c.Len())
	_, ok := c.Lookup("k0")
	assert.False(t, ok, "oldest key evicted")
	for _, k := range []string{"k1", "k2", "k3"} {
		_, ok := c.Lookup(k)
		assert.True(t, ok, k)
	}
}

func TestCache_RefreshedKeySurvivesEviction(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	c.Remember("a", "1")
	c.Remember("b", "2")
	c.Remember("a", "1")
	c.Remember("c", "3")

	_, ok := c.Lookup("a")
	assert.True(t, ok)
	_, ok = c.Lookup("b")
	assert.False(t, ok)
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	c.Remember("k", "v")
	c.Forget("k")
	c.Forget("missing")

	_, ok := c.Lookup("k")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Remember("old-1", "v")
	c.Remember("old-2", "v")
	clock.advance(30 * time.Second)
	c.Remember("new", "v")
	clock.advance(40 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("new")
	assert.True(t, ok)
}

func TestNew_Defaults(t *testing.T) {
	c := New(0, 0)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c := New(time.Minute, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(time.Hour, 50)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Go(func() {
			for i := range 200 {
				key := fmt.Sprintf("g%d-%d", g, i%60)
				c.Remember(key, "v")
				c.Lookup(key)
				if i%17 == 0 {
					c.Forget(key)
				}
			}
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
