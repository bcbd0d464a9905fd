// Package uploader drains the upload queue: claims due entries inside
// business hours, validates, checks duplicates, pushes the listing through
// the platform adapter and records the outcome.
package uploader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/platform"
	"cross-lister/internal/store"
)

const (
	// DefaultStartHour and DefaultEndHour bound the upload window;
	// uploads run in [start, end) local time.
	DefaultStartHour = 6
	DefaultEndHour   = 23

	// DefaultClaimBatch is how many due entries one pass claims.
	DefaultClaimBatch = 10
)

// Stats counts one pass.
type Stats struct {
	Claimed   int
	Succeeded int
	Failed    int
	Released  int
}

// Worker processes one platform's queue. Adapters are keyed by account id
// so multi-account platforms upload through the right credentials.
type Worker struct {
	Store      *store.Store
	Platform   string
	Adapters   map[string]platform.Adapter
	StartHour  int
	EndHour    int
	ClaimBatch int
	Log        *zap.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New builds a worker with the default window and batch size.
func New(st *store.Store, platformName string, adapters map[string]platform.Adapter, log *zap.Logger) *Worker {
	return &Worker{
		Store:      st,
		Platform:   platformName,
		Adapters:   adapters,
		StartHour:  DefaultStartHour,
		EndHour:    DefaultEndHour,
		ClaimBatch: DefaultClaimBatch,
		Log:        log,
		now:        time.Now,
	}
}

// InBusinessHours reports whether t falls inside the upload window.
func (w *Worker) InBusinessHours(t time.Time) bool {
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// RunOnce claims and processes one batch of due entries. Outside business
// hours it is a no-op. On cancellation, unprocessed claims go back to
// pending: interruption is not failure.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := w.now()
	if !w.InBusinessHours(now) {
		w.Log.Debug("outside business hours", zap.Int("hour", now.Hour()))
		return stats, nil
	}

	entries, err := w.Store.ClaimDue(w.Platform, now.UTC().Format(time.RFC3339), w.ClaimBatch)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(entries)

	for i, entry := range entries {
		if ctx.Err() != nil {
			for _, rest := range entries[i:] {
				if err := w.Store.ReleaseInterrupted(rest.ID); err != nil {
					w.Log.Warn("release failed", zap.Int64("id", rest.ID), zap.Error(err))
					continue
				}
				stats.Released++
			}
			return stats, ctx.Err()
		}
		if w.process(ctx, entry) {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// process runs one claimed entry to a terminal state. Returns true on
// success (including the already-listed no-op).
func (w *Worker) process(ctx context.Context, entry store.QueueEntry) bool {
	log := w.Log.With(zap.Int64("queue_id", entry.ID),
		zap.String("asin", entry.ASIN), zap.String("account", entry.AccountID))

	listing, err := w.Store.GetListing(entry.ASIN, entry.Platform, entry.AccountID)
	if err != nil {
		w.fail(entry.ID, fmt.Sprintf("load listing: %v", err), log)
		return false
	}
	if listing == nil {
		// A queue row without its listing is a data defect, not a retry
		// candidate.
		if err := w.Store.FailValidation(entry.ID, "no listing for queue entry"); err != nil {
			log.Error("record validation failure", zap.Error(err))
		}
		return false
	}
	if listing.Status == store.StatusListed && listing.PlatformItemID != nil {
		// Already on the platform: converge, do not duplicate.
		if err := w.Store.CompleteSuccess(entry.ID, "already listed"); err != nil {
			log.Error("record success", zap.Error(err))
		}
		log.Info("already listed, no-op")
		return true
	}

	item, validationErr := w.buildItem(entry, listing)
	if validationErr != nil {
		log.Warn("validation failed", zap.String("reason", validationErr.Error()))
		if err := w.Store.FailValidation(entry.ID, validationErr.Error()); err != nil {
			log.Error("record validation failure", zap.Error(err))
		}
		return false
	}

	adapter, ok := w.Adapters[entry.AccountID]
	if !ok {
		w.fail(entry.ID, "no adapter for account "+entry.AccountID, log)
		return false
	}

	dup, err := adapter.CheckDuplicate(ctx, entry.ASIN, item.SKU)
	if err != nil {
		w.fail(entry.ID, fmt.Sprintf("duplicate check: %v", err), log)
		return false
	}
	if dup {
		w.fail(entry.ID, "duplicate", log)
		return false
	}

	res := adapter.UploadItem(ctx, item)
	if res.Status != platform.StatusSuccess {
		w.fail(entry.ID, fmt.Sprintf("%s: %s", res.ErrorCode, res.Message), log)
		return false
	}

	if err := w.Store.MarkListed(listing.ID, res.PlatformItemID); err != nil {
		w.fail(entry.ID, fmt.Sprintf("uploaded but not recorded: %v", err), log)
		return false
	}
	if err := w.Store.CompleteSuccess(entry.ID, res.PlatformItemID); err != nil {
		log.Error("record success", zap.Error(err))
	}
	log.Info("uploaded", zap.String("platform_item_id", res.PlatformItemID))
	return true
}

func (w *Worker) fail(id int64, msg string, log *zap.Logger) {
	log.Warn("upload failed", zap.String("reason", msg))
	if err := w.Store.CompleteFailure(id, msg); err != nil {
		log.Error("record failure", zap.Error(err))
	}
}

// buildItem assembles the platform payload from the canonical rows and
// validates the fields no platform accepts empty.
func (w *Worker) buildItem(entry store.QueueEntry, listing *store.Listing) (platform.Item, error) {
	product, err := w.Store.GetProduct(entry.ASIN)
	if err != nil {
		return platform.Item{}, err
	}
	if product == nil || strings.TrimSpace(product.Title) == "" {
		return platform.Item{}, fmt.Errorf("product %s has no title", entry.ASIN)
	}
	if listing.SellingPrice <= 0 {
		return platform.Item{}, fmt.Errorf("listing %s has no positive price", entry.ASIN)
	}

	item := platform.Item{
		ASIN:         entry.ASIN,
		SKU:          derefStr(listing.SKU),
		Title:        product.Title,
		Description:  product.Description,
		CategoryPath: product.CategoryPath,
		ImageURLs:    product.ImageURLs(),
		Currency:     listing.Currency,
		Quantity:     listing.Quantity,
		Visibility:   listing.Visibility,
		Price:        priceFromMinor(listing.SellingPrice, listing.Currency),
	}
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	return item, nil
}

func priceFromMinor(v int64, currency string) float64 {
	if currency == "USD" {
		return float64(v) / 100
	}
	return float64(v)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
