// Package registrar turns ASINs into canonical products and pending
// listings, and imports existing platform inventories back into the store.
package registrar

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/platform"
	"cross-lister/internal/spapi"
	"cross-lister/internal/store"
)

// SKU timestamp layout.
const skuTimeLayout = "20060102_1504"

// Platform SKU prefixes.
var skuPrefixes = map[string]string{
	"base": "b",
	"ebay": "s",
}

// asinRe matches an Amazon ASIN.
var asinRe = regexp.MustCompile(`^B[0-9A-Z]{9}$|^[0-9]{10}$`)

// NewSKU builds the canonical SKU shape {prefix}-{ASIN}-{YYYYMMDD_HHMM}.
func NewSKU(platformName, asin string, at time.Time) string {
	prefix, ok := skuPrefixes[platformName]
	if !ok {
		prefix = platformName
	}
	return fmt.Sprintf("%s-%s-%s", prefix, asin, at.Format(skuTimeLayout))
}

// ParseSKU extracts the ASIN from any SKU generation this system has ever
// emitted: the canonical {prefix}-{ASIN}-{timestamp}, the legacy
// {prefix}-{ASIN} and base-{ASIN} shapes, and a bare ASIN.
func ParseSKU(sku string) (asin string, ok bool) {
	if asinRe.MatchString(sku) {
		return sku, true
	}
	parts := strings.Split(sku, "-")
	if len(parts) < 2 {
		return "", false
	}
	if asinRe.MatchString(parts[1]) {
		return parts[1], true
	}
	return "", false
}

// ProductFetcher is the slice of the SP-API client registration needs.
type ProductFetcher interface {
	GetProductInfo(ctx context.Context, asin string) (*spapi.ProductInfo, error)
}

// Registrar registers ASINs and imports platform inventories.
type Registrar struct {
	store  *store.Store
	amazon ProductFetcher
	log    *zap.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New wires a registrar.
func New(st *store.Store, amazon ProductFetcher, log *zap.Logger) *Registrar {
	return &Registrar{store: st, amazon: amazon, log: log, now: time.Now}
}

// Options tune a registration.
type Options struct {
	// SkipQueue registers the listing without scheduling an upload.
	SkipQueue bool
	// ScheduledTime overrides the upload time (RFC3339). Empty means now.
	ScheduledTime string
	Priority      int
	// SellingPrice presets the listing price in minor units; zero leaves
	// it for the price reconciler.
	SellingPrice int64
	Currency     string
}

// Result reports what one registration did.
type Result struct {
	ASIN           string
	SKU            string
	ListingCreated bool
	Enqueued       bool
}

// RegisterASIN fetches the catalog record, upserts the product and creates
// a pending listing plus its queue entry. Re-registering an existing triple
// is an idempotent no-op on the listing and queue.
func (r *Registrar) RegisterASIN(ctx context.Context, asin, platformName, accountID string, opts Options) (*Result, error) {
	info, err := r.amazon.GetProductInfo(ctx, asin)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", asin, err)
	}
	if info == nil {
		return nil, fmt.Errorf("register %s: unknown asin", asin)
	}

	update := store.ProductUpdate{ASIN: asin}
	if info.Title != "" {
		update.Title = &info.Title
	}
	if info.Brand != "" {
		update.Brand = &info.Brand
	}
	if info.Description != "" {
		update.Description = &info.Description
	}
	if info.CategoryPath != "" {
		update.CategoryPath = &info.CategoryPath
	}
	update.ImageURLs = info.ImageURLs
	if err := r.store.UpsertProduct(update); err != nil {
		return nil, err
	}
	return r.createListing(asin, platformName, accountID, opts, opts.SellingPrice, opts.Currency)
}

// createListing inserts the pending listing (idempotently) and its queue
// entry, shared by the live-fetch and record-ingestion paths.
func (r *Registrar) createListing(asin, platformName, accountID string, opts Options, sellingPrice int64, currency string) (*Result, error) {
	sku := NewSKU(platformName, asin, r.now())
	if currency == "" {
		currency = "JPY"
	}
	_, created, err := r.store.InsertListing(store.Listing{
		ASIN:         asin,
		Platform:     platformName,
		AccountID:    accountID,
		SKU:          &sku,
		SellingPrice: sellingPrice,
		Currency:     currency,
		Quantity:     1,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{ASIN: asin, SKU: sku, ListingCreated: created}
	if !created {
		// The stored SKU wins over the freshly minted one.
		if existing, err := r.store.GetListing(asin, platformName, accountID); err == nil && existing != nil && existing.SKU != nil {
			res.SKU = *existing.SKU
		}
	}

	if !opts.SkipQueue {
		scheduled := opts.ScheduledTime
		if scheduled == "" {
			scheduled = r.now().UTC().Format(time.RFC3339)
		}
		enqueued, err := r.store.Enqueue(asin, platformName, accountID, scheduled, opts.Priority)
		if err != nil {
			return nil, err
		}
		res.Enqueued = enqueued
	}
	r.log.Info("asin registered",
		zap.String("asin", asin), zap.String("platform", platformName),
		zap.String("sku", res.SKU), zap.Bool("created", created), zap.Bool("enqueued", res.Enqueued))
	return res, nil
}

// ProductRecord is one pre-fetched product row, the shape of the legacy CSV
// export: catalog attributes plus an optional preset selling price.
type ProductRecord struct {
	ASIN         string
	Title        string
	Description  string
	Brand        string
	CategoryPath string
	ImageURLs    []string
	PriceJPY     int64
	SellingPrice int64 // minor units; zero falls back to opts.SellingPrice
	Currency     string
}

// RegisterFromRecords ingests pre-fetched records without touching the
// SP-API: each record upserts its product and creates the pending listing
// plus queue entry the same way RegisterASIN does. Records with a malformed
// ASIN are reported in the failure map; the rest proceed.
func (r *Registrar) RegisterFromRecords(ctx context.Context, records []ProductRecord, platformName, accountID string, opts Options) ([]Result, map[string]error) {
	var results []Result
	failures := make(map[string]error)
	for _, rec := range records {
		if ctx.Err() != nil {
			failures[rec.ASIN] = ctx.Err()
			continue
		}
		if !asinRe.MatchString(rec.ASIN) {
			failures[rec.ASIN] = fmt.Errorf("malformed asin %q", rec.ASIN)
			continue
		}

		update := store.ProductUpdate{ASIN: rec.ASIN, ImageURLs: rec.ImageURLs}
		if rec.Title != "" {
			update.Title = &rec.Title
		}
		if rec.Description != "" {
			update.Description = &rec.Description
		}
		if rec.Brand != "" {
			update.Brand = &rec.Brand
		}
		if rec.CategoryPath != "" {
			update.CategoryPath = &rec.CategoryPath
		}
		if rec.PriceJPY > 0 {
			update.PriceJPY = &rec.PriceJPY
		}
		if err := r.store.UpsertProduct(update); err != nil {
			failures[rec.ASIN] = err
			continue
		}

		sellingPrice := rec.SellingPrice
		if sellingPrice == 0 {
			sellingPrice = opts.SellingPrice
		}
		currency := rec.Currency
		if currency == "" {
			currency = opts.Currency
		}
		res, err := r.createListing(rec.ASIN, platformName, accountID, opts, sellingPrice, currency)
		if err != nil {
			failures[rec.ASIN] = err
			continue
		}
		results = append(results, *res)
	}
	return results, failures
}

// RegisterBatch registers many ASINs, continuing past individual failures.
// Returns the successful results and the per-ASIN errors.
func (r *Registrar) RegisterBatch(ctx context.Context, asins []string, platformName, accountID string, opts Options) ([]Result, map[string]error) {
	var results []Result
	failures := make(map[string]error)
	for _, asin := range asins {
		if ctx.Err() != nil {
			failures[asin] = ctx.Err()
			continue
		}
		res, err := r.RegisterASIN(ctx, asin, platformName, accountID, opts)
		if err != nil {
			failures[asin] = err
			continue
		}
		results = append(results, *res)
	}
	return results, failures
}

// ImportFromPlatform walks the platform's live inventory and recreates the
// canonical rows for every item whose SKU parses to an ASIN. Imported
// listings arrive as listed (they already exist downstream) and are never
// enqueued.
func (r *Registrar) ImportFromPlatform(ctx context.Context, adapter platform.Adapter, accountID string) (imported, skipped int, err error) {
	items, err := adapter.ListItems(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("import from %s: %w", adapter.Name(), err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return imported, skipped, ctx.Err()
		}
		asin, ok := ParseSKU(item.SKU)
		if !ok {
			skipped++
			r.log.Debug("unparseable sku skipped", zap.String("sku", item.SKU))
			continue
		}

		update := store.ProductUpdate{ASIN: asin}
		if item.Title != "" {
			update.Title = &item.Title
		}
		if err := r.store.UpsertProduct(update); err != nil {
			return imported, skipped, err
		}

		sku := item.SKU
		currency := item.Currency
		if currency == "" {
			currency = "JPY"
		}
		listing := store.Listing{
			ASIN:         asin,
			Platform:     adapter.Name(),
			AccountID:    accountID,
			SKU:          &sku,
			SellingPrice: toMinor(item.Price, currency),
			Currency:     currency,
			Quantity:     item.Quantity,
			Status:       store.StatusPending,
			Visibility:   visibilityOrDefault(item.Visibility),
		}
		// listed requires a platform item id; a dump without one (eBay's
		// inventory listing carries only SKUs) arrives as pending.
		if item.PlatformItemID != "" {
			listedAt := store.Now()
			listing.PlatformItemID = &item.PlatformItemID
			listing.Status = store.StatusListed
			listing.ListedAt = &listedAt
		}
		_, created, err := r.store.InsertListing(listing)
		if err != nil {
			return imported, skipped, err
		}
		if created {
			imported++
		} else {
			skipped++
		}
	}
	r.log.Info("platform import complete",
		zap.String("platform", adapter.Name()), zap.String("account", accountID),
		zap.Int("imported", imported), zap.Int("skipped", skipped))
	return imported, skipped, nil
}

func visibilityOrDefault(v string) string {
	if v == store.VisibilityHidden {
		return store.VisibilityHidden
	}
	return store.VisibilityPublic
}

func toMinor(price float64, currency string) int64 {
	if currency == "USD" {
		return int64(price*100 + 0.5)
	}
	return int64(price + 0.5)
}
