package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cross-lister/internal/keywords"
	"cross-lister/internal/platform"
	"cross-lister/internal/reconcile"
	"cross-lister/internal/spapi"
	"cross-lister/internal/store"
)

type fakeFetcher struct {
	results map[string]spapi.OfferResult
	batches [][]string
}

func (f *fakeFetcher) GetPricesBatch(ctx context.Context, asins []string) (map[string]spapi.OfferResult, error) {
	f.batches = append(f.batches, asins)
	out := make(map[string]spapi.OfferResult, len(asins))
	for _, asin := range asins {
		out[asin] = f.results[asin]
	}
	return out, nil
}

// fakeAdapter records mutating calls and always succeeds.
type fakeAdapter struct {
	name  string
	calls []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) record(format string, args ...interface{}) platform.Result {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return platform.OK("item-1")
}

func (f *fakeAdapter) UploadItem(ctx context.Context, item platform.Item) platform.Result {
	return f.record("upload:%s", item.SKU)
}
func (f *fakeAdapter) UpdateItem(ctx context.Context, ref platform.Ref, item platform.Item) platform.Result {
	return f.record("update:%s", ref.SKU)
}
func (f *fakeAdapter) DeleteItem(ctx context.Context, ref platform.Ref) platform.Result {
	return f.record("delete:%s", ref.SKU)
}
func (f *fakeAdapter) UpdatePrice(ctx context.Context, ref platform.Ref, price float64) platform.Result {
	return f.record("price:%s:%v", ref.SKU, price)
}
func (f *fakeAdapter) UpdateQuantity(ctx context.Context, ref platform.Ref, quantity int) platform.Result {
	return f.record("quantity:%s:%d", ref.SKU, quantity)
}
func (f *fakeAdapter) UpdateVisibility(ctx context.Context, ref platform.Ref, visibility string) platform.Result {
	return f.record("visibility:%s:%s", ref.SKU, visibility)
}
func (f *fakeAdapter) UploadImages(ctx context.Context, ref platform.Ref, urls []string) platform.Result {
	return f.record("images:%s", ref.SKU)
}
func (f *fakeAdapter) ListItems(ctx context.Context) ([]platform.Item, error) { return nil, nil }
func (f *fakeAdapter) GetItem(ctx context.Context, ref platform.Ref) (*platform.Item, error) {
	return nil, nil
}
func (f *fakeAdapter) ValidateItem(item platform.Item) error { return nil }
func (f *fakeAdapter) CheckDuplicate(ctx context.Context, asin, sku string) (bool, error) {
	return false, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), keywords.Noop{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(v string) *string { return &v }
func intp(v int64) *int64   { return &v }
func boolp(v bool) *bool    { return &v }

// seedListing creates a listed product+listing pair and returns the listing id.
func seedListing(t *testing.T, s *store.Store, asin string, priceJPY int64, inStock bool, sellingPrice int64, visibility string, qty int) int64 {
	t.Helper()
	require.NoError(t, s.UpsertProduct(store.ProductUpdate{
		ASIN:     asin,
		Title:    strp("商品 " + asin),
		PriceJPY: intp(priceJPY),
		InStock:  boolp(inStock),
	}))
	id, created, err := s.InsertListing(store.Listing{
		ASIN:         asin,
		Platform:     "base",
		AccountID:    "base_account_1",
		SKU:          strp("b-" + asin + "-20260824_1200"),
		SellingPrice: sellingPrice,
		Currency:     "JPY",
		Quantity:     qty,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.MarkListed(id, "item-"+asin))
	if visibility != store.VisibilityPublic {
		require.NoError(t, s.SetListingVisibility(id, visibility))
	}
	return id
}

func newEngine(s *store.Store, fetcher PriceFetcher, adapter platform.Adapter) *Engine {
	targets := []Target{{
		Name:    "base",
		Adapter: adapter,
		Pricing: reconcile.Pricing{Markup: 1.3, Currency: "JPY"},
	}}
	return New(s, fetcher, targets, nil, nil, zap.NewNop())
}

func TestRun_Phase1WritesCanonicalState(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s, "B01SYNC001", 1000, true, 1300, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC002", 1500, true, 1950, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC003", 1800, true, 2340, store.VisibilityPublic, 1)

	fetcher := &fakeFetcher{results: map[string]spapi.OfferResult{
		"B01SYNC001": {Status: spapi.OfferSuccess, PriceJPY: 2000, InStock: true},
		"B01SYNC002": {Status: spapi.OfferOutOfStock},
		"B01SYNC003": {Status: spapi.OfferAPIError, Message: "boom"},
	}}
	adapter := &fakeAdapter{name: "base"}

	report, err := newEngine(s, fetcher, adapter).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 3, report.ASINsChecked)
	require.Equal(t, 1, report.PriceWrites)
	require.Equal(t, 1, report.OutOfStock)
	require.Equal(t, 1, report.APIErrors)

	p, err := s.GetProduct("B01SYNC001")
	require.NoError(t, err)
	require.EqualValues(t, 2000, p.AmazonPriceJPY)
	require.True(t, p.AmazonInStock)

	// Out of stock preserves the last known price.
	p, err = s.GetProduct("B01SYNC002")
	require.NoError(t, err)
	require.EqualValues(t, 1500, p.AmazonPriceJPY)
	require.False(t, p.AmazonInStock)

	// API error retains the previous snapshot entirely.
	p, err = s.GetProduct("B01SYNC003")
	require.NoError(t, err)
	require.EqualValues(t, 1800, p.AmazonPriceJPY)
	require.True(t, p.AmazonInStock)
}

func TestRun_Phase2ReconcilesPriceAndVisibility(t *testing.T) {
	s := openTestStore(t)
	// Price drift: canonical 2000 * 1.3 = 2600, listing says 2000.
	driftID := seedListing(t, s, "B01SYNC010", 2000, true, 2000, store.VisibilityPublic, 1)
	// Canonical out-of-stock, still public.
	hideID := seedListing(t, s, "B01SYNC011", 1000, false, 1300, store.VisibilityPublic, 1)
	// Canonical in stock but hidden.
	showID := seedListing(t, s, "B01SYNC012", 1000, true, 1300, store.VisibilityHidden, 1)

	fetcher := &fakeFetcher{results: map[string]spapi.OfferResult{
		"B01SYNC010": {Status: spapi.OfferSuccess, PriceJPY: 2000, InStock: true},
		"B01SYNC011": {Status: spapi.OfferOutOfStock},
		"B01SYNC012": {Status: spapi.OfferSuccess, PriceJPY: 1000, InStock: true},
	}}
	adapter := &fakeAdapter{name: "base"}

	report, err := newEngine(s, fetcher, adapter).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, report.PriceUpdates)
	require.Equal(t, 1, report.Hidden)
	require.Equal(t, 1, report.Shown)

	require.Contains(t, adapter.calls, "price:b-B01SYNC010-20260824_1200:2600")
	require.Contains(t, adapter.calls, "visibility:b-B01SYNC011-20260824_1200:hidden")
	require.Contains(t, adapter.calls, "visibility:b-B01SYNC012-20260824_1200:public")

	l, err := s.GetListingByID(driftID)
	require.NoError(t, err)
	require.EqualValues(t, 2600, l.SellingPrice)

	history, err := s.PriceHistory("B01SYNC010", "base", "base_account_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.EqualValues(t, 2000, history[0].OldPrice)
	require.EqualValues(t, 2600, history[0].NewPrice)

	l, err = s.GetListingByID(hideID)
	require.NoError(t, err)
	require.Equal(t, store.VisibilityHidden, l.Visibility)
	l, err = s.GetListingByID(showID)
	require.NoError(t, err)
	require.Equal(t, store.VisibilityPublic, l.Visibility)
}

func TestRun_SecondRunProducesZeroUpdates(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s, "B01SYNC020", 2000, true, 2000, store.VisibilityPublic, 1)

	fetcher := &fakeFetcher{results: map[string]spapi.OfferResult{
		"B01SYNC020": {Status: spapi.OfferSuccess, PriceJPY: 2000, InStock: true},
	}}
	adapter := &fakeAdapter{name: "base"}
	engine := newEngine(s, fetcher, adapter)

	_, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)
	firstCalls := len(adapter.calls)
	require.Positive(t, firstCalls)

	report, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Zero(t, report.PriceUpdates)
	require.Zero(t, report.Hidden+report.Shown+report.QuantityRestored)
	require.Len(t, adapter.calls, firstCalls, "second run is a no-op against the platform")
}

func TestRun_StockCheckOnlySkipsPhase1AndPricing(t *testing.T) {
	s := openTestStore(t)
	// Drift exists but must be ignored; out-of-stock row must still hide.
	seedListing(t, s, "B01SYNC030", 2000, true, 1000, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC031", 1000, false, 1300, store.VisibilityPublic, 1)

	fetcher := &fakeFetcher{}
	adapter := &fakeAdapter{name: "base"}

	report, err := newEngine(s, fetcher, adapter).Run(context.Background(), Options{StockCheckOnly: true})
	require.NoError(t, err)
	require.Empty(t, fetcher.batches, "stock-check-only never calls amazon")
	require.Zero(t, report.PriceUpdates)
	require.Equal(t, 1, report.Hidden)
	require.Equal(t, []string{"visibility:b-B01SYNC031-20260824_1200:hidden"}, adapter.calls)
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	s := openTestStore(t)
	id := seedListing(t, s, "B01SYNC040", 2000, true, 1000, store.VisibilityPublic, 1)

	fetcher := &fakeFetcher{results: map[string]spapi.OfferResult{
		"B01SYNC040": {Status: spapi.OfferSuccess, PriceJPY: 3000, InStock: true},
	}}
	adapter := &fakeAdapter{name: "base"}

	report, err := newEngine(s, fetcher, adapter).Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.PriceWrites)
	require.Equal(t, 1, report.PriceUpdates)
	require.Empty(t, adapter.calls)

	p, err := s.GetProduct("B01SYNC040")
	require.NoError(t, err)
	require.EqualValues(t, 2000, p.AmazonPriceJPY, "dry run leaves canonical price untouched")
	l, err := s.GetListingByID(id)
	require.NoError(t, err)
	require.EqualValues(t, 1000, l.SellingPrice)
}

func TestRun_MaxItemsLimitsPhase1(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		seedListing(t, s, fmt.Sprintf("B01SYNC05%d", i), 1000, true, 1300, store.VisibilityPublic, 1)
	}
	fetcher := &fakeFetcher{results: map[string]spapi.OfferResult{}}
	adapter := &fakeAdapter{name: "base"}

	report, err := newEngine(s, fetcher, adapter).Run(context.Background(), Options{MaxItems: 2})
	require.NoError(t, err)
	require.Equal(t, 2, report.ASINsChecked)
	require.Len(t, fetcher.batches, 1)
	require.Len(t, fetcher.batches[0], 2)
}

func TestHideOutOfStock_TargetedJob(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s, "B01SYNC060", 1000, false, 1300, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC061", 1000, true, 1300, store.VisibilityPublic, 1)

	adapter := &fakeAdapter{name: "base"}
	engine := newEngine(s, &fakeFetcher{}, adapter)

	hidden, err := engine.HideOutOfStock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, hidden)
	require.Equal(t, []string{"visibility:b-B01SYNC060-20260824_1200:hidden"}, adapter.calls)
}

func TestHideOutOfStockASINs_ForcesGivenList(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s, "B01SYNC070", 1000, true, 1300, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC071", 1000, false, 1300, store.VisibilityPublic, 1)
	seedListing(t, s, "B01SYNC072", 1000, false, 1300, store.VisibilityHidden, 1)

	adapter := &fakeAdapter{name: "base"}
	engine := newEngine(s, &fakeFetcher{}, adapter)

	// The list wins over canonical stock state; already-hidden rows are
	// left alone.
	hidden, err := engine.HideOutOfStockASINs(context.Background(), []string{"B01SYNC070", "B01SYNC072"})
	require.NoError(t, err)
	require.Equal(t, 1, hidden)
	require.Equal(t, []string{"visibility:b-B01SYNC070-20260824_1200:hidden"}, adapter.calls)

	l, err := s.GetListing("B01SYNC070", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.VisibilityHidden, l.Visibility)

	l, err = s.GetListing("B01SYNC071", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.VisibilityPublic, l.Visibility, "unlisted asin untouched")
}
