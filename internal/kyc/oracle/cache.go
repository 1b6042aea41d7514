package oracle

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"onchainkyc/internal/kyc/models"
)

// CachedReader keeps positive ledger reads in an LRU for at most ttl. The
// ledger never retracts a verification, but other writers keep raising the
// count, so entries age out; commits through this reader drop the entry.
type CachedReader struct {
	Ledger
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type cachedRecord struct {
	rec       models.ComplianceRecord
	fetchedAt time.Time
}

func NewCachedReader(inner Ledger, size int, ttl time.Duration) (*CachedReader, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create ledger cache: %w", err)
	}
	return &CachedReader{Ledger: inner, cache: cache, ttl: ttl, now: time.Now}, nil
}

func (c *CachedReader) Commit(ctx context.Context, wallet string, a models.Attestation) error {
	err := c.Ledger.Commit(ctx, wallet, a)
	if err == nil {
		c.cache.Remove(wallet)
	}
	return err
}

func (c *CachedReader) Read(ctx context.Context, wallet string) (*models.ComplianceRecord, error) {
	if v, ok := c.cache.Get(wallet); ok {
		entry := v.(cachedRecord)
		if c.now().Sub(entry.fetchedAt) < c.ttl {
			rec := entry.rec
			return &rec, nil
		}
		c.cache.Remove(wallet)
	}
	rec, err := c.Ledger.Read(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if rec.IsVerified {
		c.cache.Add(wallet, cachedRecord{rec: *rec, fetchedAt: c.now()})
	}
	return rec, nil
}
