// Package auth rejects bearer tokens presented more than once.
package auth

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	maxReplayWindow          = 30 * time.Minute
	defaultReplayWindow      = 10 * time.Minute
	defaultReplayCapacity    = 4096
	maxReplayCapacity        = 65536
	persistencePruneInterval = time.Minute
)

var (
	// ErrTokenReplayed reports a token id seen inside the replay window.
	ErrTokenReplayed = errors.New("token already used")
	// ErrTokenIDMissing reports a token without a jti claim.
	ErrTokenIDMissing = errors.New("token has no id")
)

// TokenRecord captures one accepted token.
type TokenRecord struct {
	Subject    string
	TokenID    string
	ObservedAt time.Time
}

func (r TokenRecord) key() string {
	return r.Subject + "|" + r.TokenID
}

// Persistence stores accepted token ids across restarts.
type Persistence interface {
	EnsureToken(ctx context.Context, record TokenRecord) (bool, error)
	RecentTokens(ctx context.Context, cutoff time.Time) ([]TokenRecord, error)
	PruneTokens(ctx context.Context, cutoff time.Time) error
}

// ReplayGuard remembers token ids for a bounded window.
type ReplayGuard struct {
	window      time.Duration
	nowFn       func() time.Time
	cache       *tokenCache
	persistence Persistence

	pruneMu    sync.Mutex
	lastPruned time.Time
}

func NewReplayGuard(window time.Duration, capacity int, nowFn func() time.Time, persistence Persistence) *ReplayGuard {
	if window <= 0 {
		window = defaultReplayWindow
	}
	if window > maxReplayWindow {
		window = maxReplayWindow
	}
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	if capacity > maxReplayCapacity {
		capacity = maxReplayCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ReplayGuard{
		window:      window,
		nowFn:       nowFn,
		cache:       newTokenCache(window, capacity),
		persistence: persistence,
	}
}

// Hydrate warms the cache with persisted tokens observed inside the window.
func (g *ReplayGuard) Hydrate(ctx context.Context) error {
	if g == nil || g.persistence == nil {
		return nil
	}
	now := g.nowFn().UTC()
	records, err := g.persistence.RecentTokens(ctx, now.Add(-g.window))
	if err != nil {
		return fmt.Errorf("load persistent tokens: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Subject) == "" || strings.TrimSpace(rec.TokenID) == "" {
			continue
		}
		g.cache.Add(rec.key(), rec.ObservedAt)
	}
	return nil
}

// Register records the token id and returns ErrTokenReplayed when it was
// already accepted.
func (g *ReplayGuard) Register(ctx context.Context, subject, tokenID string) error {
	if g == nil {
		return nil
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return ErrTokenIDMissing
	}
	now := g.nowFn().UTC()
	record := TokenRecord{Subject: strings.TrimSpace(subject), TokenID: tokenID, ObservedAt: now}
	if record.Subject == "" {
		record.Subject = "-"
	}
	key := record.key()
	if g.cache.Contains(key, now) {
		return ErrTokenReplayed
	}
	if g.persistence != nil {
		if err := g.prunePersistent(ctx, now); err != nil {
			return err
		}
		existed, err := g.persistence.EnsureToken(ctx, record)
		if err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
		if existed {
			g.cache.Add(key, now)
			return ErrTokenReplayed
		}
	}
	g.cache.Add(key, now)
	return nil
}

func (g *ReplayGuard) prunePersistent(ctx context.Context, now time.Time) error {
	g.pruneMu.Lock()
	defer g.pruneMu.Unlock()
	if !g.lastPruned.IsZero() && now.Sub(g.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := g.persistence.PruneTokens(ctx, now.Add(-g.window)); err != nil {
		return fmt.Errorf("prune persistent tokens: %w", err)
	}
	g.lastPruned = now
	return nil
}

type tokenCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key string
	ts  time.Time
}

func newTokenCache(ttl time.Duration, capacity int) *tokenCache {
	return &tokenCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *tokenCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	_, exists := c.entries[key]
	return exists
}

func (c *tokenCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	if elem, exists := c.entries[key]; exists {
		elem.Value = cacheEntry{key: key, ts: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.entries, front.Value.(cacheEntry).key)
	}
	c.entries[key] = c.order.PushBack(cacheEntry{key: key, ts: now})
}

func (c *tokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *tokenCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(cacheEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}
