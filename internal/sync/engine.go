// Package sync runs the inventory cycle: Phase 1 refreshes canonical Amazon
// price/stock for every listed ASIN, Phase 2 fans out one worker per
// platform to reconcile prices, visibility and quantity against it.
package sync

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cross-lister/internal/cache"
	"cross-lister/internal/notify"
	"cross-lister/internal/platform"
	"cross-lister/internal/reconcile"
	"cross-lister/internal/spapi"
	"cross-lister/internal/store"
)

// PriceFetcher is the slice of the SP-API client Phase 1 needs.
type PriceFetcher interface {
	GetPricesBatch(ctx context.Context, asins []string) (map[string]spapi.OfferResult, error)
}

// Target binds a platform adapter to its pricing rules.
type Target struct {
	Name    string
	Adapter platform.Adapter
	Pricing reconcile.Pricing
}

// Options tune one cycle.
type Options struct {
	DryRun          bool
	StockCheckOnly  bool
	SkipCacheUpdate bool
	MaxItems        int
}

// Report counts what one cycle did.
type Report struct {
	ASINsChecked     int
	PriceWrites      int
	OutOfStock       int
	APIErrors        int
	PriceUpdates     int
	Hidden           int
	Shown            int
	QuantityRestored int
	AdapterFailures  int
	Started          time.Time
	Finished         time.Time
}

// Summary renders the one-line cycle report sent to the notifier.
func (r *Report) Summary() string {
	return fmt.Sprintf(
		"checked=%d price_writes=%d out_of_stock=%d api_errors=%d price_updates=%d hidden=%d shown=%d qty_restored=%d adapter_failures=%d took=%s",
		r.ASINsChecked, r.PriceWrites, r.OutOfStock, r.APIErrors,
		r.PriceUpdates, r.Hidden, r.Shown, r.QuantityRestored, r.AdapterFailures,
		r.Finished.Sub(r.Started).Round(time.Second))
}

// Engine orchestrates the two phases.
type Engine struct {
	store    *store.Store
	amazon   PriceFetcher
	cache    *cache.Cache
	targets  []Target
	notifier *notify.Notifier
	log      *zap.Logger
}

// New wires an engine. cache and notifier may be nil.
func New(st *store.Store, amazon PriceFetcher, targets []Target, c *cache.Cache, n *notify.Notifier, log *zap.Logger) *Engine {
	return &Engine{store: st, amazon: amazon, cache: c, targets: targets, notifier: n, log: log}
}

// Run executes one cycle and returns its report. A context cancellation
// aborts between batches, rows and writes; partial progress stays committed.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Started: time.Now()}

	if !opts.StockCheckOnly {
		if err := e.refreshAmazonState(ctx, opts, report); err != nil {
			return report, err
		}
	}
	if err := e.reconcilePlatforms(ctx, opts, report); err != nil {
		return report, err
	}

	report.Finished = time.Now()
	e.log.Info("cycle complete", zap.String("report", report.Summary()))
	if e.notifier != nil {
		e.notifier.Notify(ctx, "task_completion", "inventory cycle complete", report.Summary(), notify.LevelInfo)
	}
	return report, nil
}

// refreshAmazonState is Phase 1: serial batches of listed ASINs through the
// offers API, canonical writes per the tagged result.
func (e *Engine) refreshAmazonState(ctx context.Context, opts Options, report *Report) error {
	asins, err := e.store.ActiveASINs()
	if err != nil {
		return fmt.Errorf("collect active asins: %w", err)
	}
	if opts.MaxItems > 0 && len(asins) > opts.MaxItems {
		asins = asins[:opts.MaxItems]
	}
	report.ASINsChecked = len(asins)
	e.log.Info("phase 1: refreshing amazon state", zap.Int("asins", len(asins)))

	for start := 0; start < len(asins); start += spapi.BatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + spapi.BatchSize
		if end > len(asins) {
			end = len(asins)
		}
		batch := asins[start:end]

		results, err := e.amazon.GetPricesBatch(ctx, batch)
		if err != nil {
			return err
		}
		for _, asin := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := e.applyOfferResult(asin, results[asin], opts, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyOfferResult(asin string, res spapi.OfferResult, opts Options, report *Report) error {
	switch res.Status {
	case spapi.OfferSuccess:
		report.PriceWrites++
		if opts.DryRun {
			return nil
		}
		if err := e.store.SetAmazonPrice(asin, res.PriceJPY, true); err != nil {
			return err
		}
		e.updateCache(asin, cache.Snapshot{PriceJPY: &res.PriceJPY, InStock: boolPtr(true)}, opts)
	case spapi.OfferOutOfStock, spapi.OfferFilteredOut:
		// No buyable offer either way; the last known price stays for
		// downstream markup math.
		report.OutOfStock++
		if opts.DryRun {
			return nil
		}
		if err := e.store.MarkOutOfStock(asin); err != nil {
			return err
		}
		e.updateCache(asin, cache.Snapshot{InStock: boolPtr(false)}, opts)
	case spapi.OfferAPIError, spapi.OfferEmptyPayload:
		// Previous snapshot is retained untouched.
		report.APIErrors++
		e.log.Warn("amazon state not refreshed",
			zap.String("asin", asin), zap.String("status", string(res.Status)),
			zap.String("detail", res.Message))
	}
	return nil
}

func (e *Engine) updateCache(asin string, snap cache.Snapshot, opts Options) {
	if e.cache == nil || opts.SkipCacheUpdate {
		return
	}
	types := []cache.UpdateType{cache.UpdateStock}
	if snap.PriceJPY != nil {
		types = append(types, cache.UpdatePrice)
	}
	if err := e.cache.Set(asin, snap, types...); err != nil {
		e.log.Warn("cache update failed", zap.String("asin", asin), zap.Error(err))
	}
}

// reconcilePlatforms is Phase 2: one worker per platform over its listed
// rows.
func (e *Engine) reconcilePlatforms(ctx context.Context, opts Options, report *Report) error {
	g, gctx := errgroup.WithContext(ctx)
	reports := make([]Report, len(e.targets))

	for i, target := range e.targets {
		g.Go(func() error {
			return e.reconcileOne(gctx, target, opts, &reports[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range reports {
		report.PriceUpdates += r.PriceUpdates
		report.Hidden += r.Hidden
		report.Shown += r.Shown
		report.QuantityRestored += r.QuantityRestored
		report.AdapterFailures += r.AdapterFailures
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, target Target, opts Options, report *Report) error {
	rows, err := e.store.ListedRows(target.Name)
	if err != nil {
		return fmt.Errorf("%s: listed rows: %w", target.Name, err)
	}
	log := e.log.With(zap.String("platform", target.Name))
	log.Info("phase 2: reconciling", zap.Int("rows", len(rows)))

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref := platform.Ref{SKU: deref(row.SKU), PlatformItemID: deref(row.PlatformItemID)}

		if !opts.StockCheckOnly && row.AmazonInStock && row.AmazonPriceJPY > 0 {
			if err := e.reconcilePrice(ctx, target, row, ref, opts, report, log); err != nil {
				return err
			}
		}
		if err := e.reconcileVisibility(ctx, target, row, ref, opts, report, log); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcilePrice(ctx context.Context, target Target, row store.ListingRow, ref platform.Ref, opts Options, report *Report, log *zap.Logger) error {
	desired := reconcile.DesiredPrice(row.AmazonPriceJPY, target.Pricing)
	current := fromMinor(row.SellingPrice, row.Currency)
	if !reconcile.PriceNeedsUpdate(current, desired, row.Currency) {
		return nil
	}
	log.Info("price drift",
		zap.String("sku", ref.SKU), zap.Float64("current", current), zap.Float64("desired", desired))
	if opts.DryRun {
		report.PriceUpdates++
		return nil
	}

	if res := target.Adapter.UpdatePrice(ctx, ref, desired); res.Status != platform.StatusSuccess {
		report.AdapterFailures++
		log.Warn("price update rejected",
			zap.String("sku", ref.SKU), zap.String("code", res.ErrorCode), zap.String("detail", res.Message))
		return nil
	}
	newMinor := toMinor(desired, row.Currency)
	if err := e.store.UpdateListingPrice(row.ID, newMinor); err != nil {
		return err
	}
	if err := e.store.AppendPriceHistory(row.ASIN, row.Platform, row.AccountID, row.SellingPrice, newMinor, row.Currency); err != nil {
		return err
	}
	report.PriceUpdates++
	return nil
}

func (e *Engine) reconcileVisibility(ctx context.Context, target Target, row store.ListingRow, ref platform.Ref, opts Options, report *Report, log *zap.Logger) error {
	action := reconcile.VisibilityAction(row)
	if action == reconcile.ActionNone {
		return nil
	}
	if opts.DryRun {
		countAction(action, report)
		return nil
	}

	switch action {
	case reconcile.ActionHide:
		if res := target.Adapter.UpdateVisibility(ctx, ref, store.VisibilityHidden); res.Status != platform.StatusSuccess {
			report.AdapterFailures++
			log.Warn("hide rejected", zap.String("sku", ref.SKU), zap.String("detail", res.Message))
			return nil
		}
		if err := e.store.SetListingVisibility(row.ID, store.VisibilityHidden); err != nil {
			return err
		}
	case reconcile.ActionShow:
		if res := target.Adapter.UpdateVisibility(ctx, ref, store.VisibilityPublic); res.Status != platform.StatusSuccess {
			report.AdapterFailures++
			log.Warn("show rejected", zap.String("sku", ref.SKU), zap.String("detail", res.Message))
			return nil
		}
		if err := e.store.SetListingVisibility(row.ID, store.VisibilityPublic); err != nil {
			return err
		}
	case reconcile.ActionRestoreQuantity:
		if res := target.Adapter.UpdateQuantity(ctx, ref, 1); res.Status != platform.StatusSuccess {
			report.AdapterFailures++
			log.Warn("quantity restore rejected", zap.String("sku", ref.SKU), zap.String("detail", res.Message))
			return nil
		}
		if err := e.store.SetListingQuantity(row.ID, 1); err != nil {
			return err
		}
	}
	countAction(action, report)
	return nil
}

func countAction(action reconcile.Action, report *Report) {
	switch action {
	case reconcile.ActionHide:
		report.Hidden++
	case reconcile.ActionShow:
		report.Shown++
	case reconcile.ActionRestoreQuantity:
		report.QuantityRestored++
	}
}

// HideOutOfStockASINs is the targeted low-risk job run after bulk cache
// fills: force every public listing of the given ASINs to hidden, touching
// nothing else and consulting no live Amazon state.
func (e *Engine) HideOutOfStockASINs(ctx context.Context, asins []string) (int, error) {
	want := make(map[string]bool, len(asins))
	for _, asin := range asins {
		want[asin] = true
	}
	hidden := 0
	for _, target := range e.targets {
		rows, err := e.store.ListedRows(target.Name)
		if err != nil {
			return hidden, err
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				return hidden, ctx.Err()
			}
			if !want[row.ASIN] || row.Visibility != store.VisibilityPublic {
				continue
			}
			ref := platform.Ref{SKU: deref(row.SKU), PlatformItemID: deref(row.PlatformItemID)}
			if res := target.Adapter.UpdateVisibility(ctx, ref, store.VisibilityHidden); res.Status != platform.StatusSuccess {
				e.log.Warn("hide rejected", zap.String("sku", ref.SKU), zap.String("detail", res.Message))
				continue
			}
			if err := e.store.SetListingVisibility(row.ID, store.VisibilityHidden); err != nil {
				return hidden, err
			}
			hidden++
		}
	}
	return hidden, nil
}

// HideOutOfStock derives the ASIN list from the canonical rows and runs the
// targeted job over it.
func (e *Engine) HideOutOfStock(ctx context.Context) (int, error) {
	seen := make(map[string]bool)
	var asins []string
	for _, target := range e.targets {
		rows, err := e.store.ListedRows(target.Name)
		if err != nil {
			return 0, err
		}
		for _, asin := range reconcile.OutOfStockASINs(rows) {
			if !seen[asin] {
				seen[asin] = true
				asins = append(asins, asin)
			}
		}
	}
	return e.HideOutOfStockASINs(ctx, asins)
}

// selling_price stores minor units: yen for JPY, cents for USD.

func toMinor(price float64, currency string) int64 {
	if currency == "USD" {
		return int64(math.Round(price * 100))
	}
	return int64(math.Round(price))
}

func fromMinor(v int64, currency string) float64 {
	if currency == "USD" {
		return float64(v) / 100
	}
	return float64(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolPtr(v bool) *bool { return &v }
