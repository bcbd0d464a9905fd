// Package cache holds per-ASIN JSON snapshots of Amazon data. It is a pure
// derived artifact: any operation may rebuild it from the store and SP-API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long a snapshot stays fresh.
const DefaultTTL = 24 * time.Hour

// UpdateType selects which freshness stamps a Set refreshes.
type UpdateType string

const (
	UpdatePrice     UpdateType = "price"
	UpdateStock     UpdateType = "stock"
	UpdateBasicInfo UpdateType = "basic_info"
	UpdateAll       UpdateType = "all"
)

// Snapshot is one cached per-ASIN document. Nil fields are absent from the
// snapshot and survive merges.
type Snapshot struct {
	ASIN             string    `json:"asin"`
	Title            *string   `json:"title,omitempty"`
	Brand            *string   `json:"brand,omitempty"`
	CategoryPath     *string   `json:"category_path,omitempty"`
	ImageURLs        []string  `json:"image_urls,omitempty"`
	PriceJPY         *int64    `json:"price_jpy,omitempty"`
	InStock          *bool     `json:"in_stock,omitempty"`
	CachedAt         time.Time `json:"cached_at"`
	PriceUpdatedAt   time.Time `json:"price_updated_at,omitempty"`
	StockUpdatedAt   time.Time `json:"stock_updated_at,omitempty"`
	BasicInfoUpdated time.Time `json:"basic_info_updated_at,omitempty"`
}

// Metadata is the typed global counters file. Earlier revisions stored this
// as free-form JSON; unknown keys are dropped on first rewrite.
type Metadata struct {
	TotalCached    int       `json:"total_cached"`
	Hits           int       `json:"hits"`
	Misses         int       `json:"misses"`
	LastBulkUpdate time.Time `json:"last_bulk_update,omitempty"`
}

// Cache is a directory of {asin}.json files plus metadata.json.
type Cache struct {
	dir string
	ttl time.Duration
	log *zap.Logger

	mu   sync.Mutex
	meta Metadata
}

// Open prepares the cache directory and loads (or migrates) metadata.json.
func Open(dir string, ttl time.Duration, log *zap.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	c := &Cache{dir: dir, ttl: ttl, log: log}
	raw, err := os.ReadFile(c.metaPath())
	if err == nil {
		json.Unmarshal(raw, &c.meta)
	}
	return c, nil
}

func (c *Cache) metaPath() string {
	return filepath.Join(c.dir, "metadata.json")
}

func (c *Cache) path(asin string) string {
	return filepath.Join(c.dir, asin+".json")
}

// Get returns the snapshot, or nil when absent or older than the TTL.
func (c *Cache) Get(asin string) (*Snapshot, error) {
	raw, err := os.ReadFile(c.path(asin))
	if err != nil {
		if os.IsNotExist(err) {
			c.count(func(m *Metadata) { m.Misses++ })
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("cache %s: %w", asin, err)
	}
	if time.Since(snap.CachedAt) > c.ttl {
		c.count(func(m *Metadata) { m.Misses++ })
		return nil, nil
	}
	c.count(func(m *Metadata) { m.Hits++ })
	return &snap, nil
}

// Set merges data into the existing snapshot and stamps the freshness
// markers for the requested update types. cached_at is always stamped.
func (c *Cache) Set(asin string, data Snapshot, types ...UpdateType) error {
	existing, _ := c.read(asin)
	isNew := existing == nil
	if existing == nil {
		existing = &Snapshot{ASIN: asin}
	}

	if data.Title != nil {
		existing.Title = data.Title
	}
	if data.Brand != nil {
		existing.Brand = data.Brand
	}
	if data.CategoryPath != nil {
		existing.CategoryPath = data.CategoryPath
	}
	if data.ImageURLs != nil {
		existing.ImageURLs = data.ImageURLs
	}
	if data.PriceJPY != nil {
		existing.PriceJPY = data.PriceJPY
	}
	if data.InStock != nil {
		existing.InStock = data.InStock
	}

	now := time.Now().UTC()
	existing.CachedAt = now
	for _, t := range types {
		switch t {
		case UpdatePrice:
			existing.PriceUpdatedAt = now
		case UpdateStock:
			existing.StockUpdatedAt = now
		case UpdateBasicInfo:
			existing.BasicInfoUpdated = now
		case UpdateAll:
			existing.PriceUpdatedAt = now
			existing.StockUpdatedAt = now
			existing.BasicInfoUpdated = now
		}
	}

	raw, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path(asin), raw, 0o644); err != nil {
		return fmt.Errorf("cache write %s: %w", asin, err)
	}
	if isNew {
		c.count(func(m *Metadata) { m.TotalCached++ })
	}
	return nil
}

// read loads a snapshot ignoring the TTL and counters.
func (c *Cache) read(asin string) (*Snapshot, error) {
	raw, err := os.ReadFile(c.path(asin))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Fetcher produces a fresh snapshot for one ASIN.
type Fetcher func(ctx context.Context, asin string) (Snapshot, []UpdateType, error)

// BulkUpdate sequentially refreshes the given ASINs, pausing sleep between
// calls. Cancellation stops between items. Records the bulk-update time.
func (c *Cache) BulkUpdate(ctx context.Context, asins []string, fetch Fetcher, sleep time.Duration) error {
	for i, asin := range asins {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap, types, err := fetch(ctx, asin)
		if err != nil {
			c.log.Warn("bulk update fetch failed", zap.String("asin", asin), zap.Error(err))
		} else if err := c.Set(asin, snap, types...); err != nil {
			return err
		}
		if i < len(asins)-1 && sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.count(func(m *Metadata) { m.LastBulkUpdate = time.Now().UTC() })
	return nil
}

// Meta returns a copy of the counters.
func (c *Cache) Meta() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *Cache) count(apply func(*Metadata)) {
	c.mu.Lock()
	apply(&c.meta)
	raw, err := json.MarshalIndent(c.meta, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.WriteFile(c.metaPath(), raw, 0o644); err != nil {
		c.log.Warn("cache metadata write failed", zap.Error(err))
	}
}
