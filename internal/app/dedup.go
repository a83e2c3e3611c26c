/**
 * @description
 * The dedup index guarantees at-most-once application of equivalent payment
 * evidence. Claim is an atomic check-and-insert on the
 * `(qrId, sourceTransactionId)` key; Release lets a failed registry call be
 * retried with corrected data.
 *
 * Two implementations: a Redis-backed index (SET NX) for multi-instance
 * deployments, and an in-memory index with TTL cleanup used by tests and as
 * the fallback when Redis is not configured.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupIndex records which evidence keys have already been consumed.
type DedupIndex interface {
	// Claim atomically marks the key as seen. It returns false when the key
	// was already claimed by an earlier delivery.
	Claim(ctx context.Context, qrID, sourceTransactionID string) (bool, error)
	// Release removes a claim so a corrected retry of the same evidence can
	// be applied. Called only when the registry rejected the evidence.
	Release(ctx context.Context, qrID, sourceTransactionID string) error
}

// MemoryDedupIndex is a mutex-guarded map with lazy TTL cleanup.
type MemoryDedupIndex struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	lastGC  time.Time
	gcEvery time.Duration
}

// NewMemoryDedupIndex creates an in-memory dedup index. Keys older than ttl
// are discarded opportunistically on Claim.
func NewMemoryDedupIndex(ttl time.Duration) *MemoryDedupIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDedupIndex{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		gcEvery: time.Minute,
	}
}

func dedupKey(qrID, sourceTransactionID string) string {
	return fmt.Sprintf("%s:%s", qrID, sourceTransactionID)
}

func (d *MemoryDedupIndex) Claim(ctx context.Context, qrID, sourceTransactionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.Sub(d.lastGC) > d.gcEvery {
		cutoff := now.Add(-d.ttl)
		for key, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, key)
			}
		}
		d.lastGC = now
	}

	key := dedupKey(qrID, sourceTransactionID)
	if at, exists := d.seen[key]; exists && now.Sub(at) < d.ttl {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

func (d *MemoryDedupIndex) Release(ctx context.Context, qrID, sourceTransactionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, dedupKey(qrID, sourceTransactionID))
	return nil
}

// RedisDedupIndex implements the dedup index on Redis so concurrent
// deliveries landing on different instances still resolve to one claim.
type RedisDedupIndex struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDedupIndex creates a Redis-backed dedup index.
func NewRedisDedupIndex(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedupIndex {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "pagui:qr_dedup"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupIndex{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (d *RedisDedupIndex) key(qrID, sourceTransactionID string) string {
	return fmt.Sprintf("%s:%s:%s", d.prefix, qrID, sourceTransactionID)
}

func (d *RedisDedupIndex) Claim(ctx context.Context, qrID, sourceTransactionID string) (bool, error) {
	return d.client.SetNX(ctx, d.key(qrID, sourceTransactionID), "1", d.ttl).Result()
}

func (d *RedisDedupIndex) Release(ctx context.Context, qrID, sourceTransactionID string) error {
	return d.client.Del(ctx, d.key(qrID, sourceTransactionID)).Err()
}
