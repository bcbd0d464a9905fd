package registrar

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cross-lister/internal/keywords"
	"cross-lister/internal/platform"
	"cross-lister/internal/spapi"
	"cross-lister/internal/store"
)

type fakeCatalog struct {
	products map[string]*spapi.ProductInfo
}

func (f *fakeCatalog) GetProductInfo(ctx context.Context, asin string) (*spapi.ProductInfo, error) {
	return f.products[asin], nil
}

type fakeInventory struct {
	name  string
	items []platform.Item
}

func (f *fakeInventory) Name() string { return f.name }
func (f *fakeInventory) ListItems(ctx context.Context) ([]platform.Item, error) {
	return f.items, nil
}
func (f *fakeInventory) UploadItem(ctx context.Context, item platform.Item) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) UpdateItem(ctx context.Context, ref platform.Ref, item platform.Item) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) DeleteItem(ctx context.Context, ref platform.Ref) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) UpdatePrice(ctx context.Context, ref platform.Ref, price float64) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) UpdateQuantity(ctx context.Context, ref platform.Ref, quantity int) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) UpdateVisibility(ctx context.Context, ref platform.Ref, visibility string) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) UploadImages(ctx context.Context, ref platform.Ref, urls []string) platform.Result {
	return platform.OK("")
}
func (f *fakeInventory) GetItem(ctx context.Context, ref platform.Ref) (*platform.Item, error) {
	return nil, nil
}
func (f *fakeInventory) ValidateItem(item platform.Item) error { return nil }
func (f *fakeInventory) CheckDuplicate(ctx context.Context, asin, sku string) (bool, error) {
	return false, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), keywords.Noop{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var fixedNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestRegistrar(s *store.Store, catalog ProductFetcher) *Registrar {
	r := New(s, catalog, zap.NewNop())
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestNewSKU_Shape(t *testing.T) {
	require.Equal(t, "b-B01TEST001-20260824_1200", NewSKU("base", "B01TEST001", fixedNow))
	require.Equal(t, "s-B01TEST001-20260824_1200", NewSKU("ebay", "B01TEST001", fixedNow))
}

func TestParseSKU_AllGenerations(t *testing.T) {
	tests := []struct {
		sku  string
		asin string
		ok   bool
	}{
		{"b-B01TEST001-20260824_1200", "B01TEST001", true},
		{"s-B01TEST001-20260824_1200", "B01TEST001", true},
		{"base-B01TEST001", "B01TEST001", true},
		{"b-B01TEST001", "B01TEST001", true},
		{"B01TEST001", "B01TEST001", true},
		{"4901234567890", "", false}, // JAN code, not an ASIN
		{"custom-sku", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		asin, ok := ParseSKU(tt.sku)
		require.Equal(t, tt.ok, ok, tt.sku)
		require.Equal(t, tt.asin, asin, tt.sku)
	}
}

func TestRegisterASIN_CreatesProductListingAndQueue(t *testing.T) {
	s := openTestStore(t)
	catalog := &fakeCatalog{products: map[string]*spapi.ProductInfo{
		"B01REG0001": {
			ASIN:         "B01REG0001",
			Title:        "登録テスト商品",
			Brand:        "BrandY",
			CategoryPath: "おもちゃ/ブロック",
			ImageURLs:    []string{"https://img/1.jpg"},
		},
	}}
	r := newTestRegistrar(s, catalog)

	res, err := r.RegisterASIN(context.Background(), "B01REG0001", "base", "base_account_1", Options{Priority: 5})
	require.NoError(t, err)
	require.True(t, res.ListingCreated)
	require.True(t, res.Enqueued)
	require.Equal(t, "b-B01REG0001-20260824_1200", res.SKU)

	p, err := s.GetProduct("B01REG0001")
	require.NoError(t, err)
	require.Equal(t, "登録テスト商品", p.Title)

	l, err := s.GetListing("B01REG0001", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, l.Status)

	n, err := s.PendingCount("base")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRegisterASIN_ReregistrationIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	catalog := &fakeCatalog{products: map[string]*spapi.ProductInfo{
		"B01REG0002": {ASIN: "B01REG0002", Title: "商品"},
	}}
	r := newTestRegistrar(s, catalog)

	first, err := r.RegisterASIN(context.Background(), "B01REG0002", "base", "base_account_1", Options{})
	require.NoError(t, err)

	second, err := r.RegisterASIN(context.Background(), "B01REG0002", "base", "base_account_1", Options{})
	require.NoError(t, err)
	require.False(t, second.ListingCreated)
	require.False(t, second.Enqueued)
	require.Equal(t, first.SKU, second.SKU, "existing sku survives re-registration")

	n, err := s.PendingCount("base")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRegisterASIN_UnknownASIN(t *testing.T) {
	s := openTestStore(t)
	r := newTestRegistrar(s, &fakeCatalog{})
	_, err := r.RegisterASIN(context.Background(), "B00MISSING", "base", "base_account_1", Options{})
	require.Error(t, err)
}

func TestRegisterASIN_SkipQueue(t *testing.T) {
	s := openTestStore(t)
	catalog := &fakeCatalog{products: map[string]*spapi.ProductInfo{
		"B01REG0003": {ASIN: "B01REG0003", Title: "商品"},
	}}
	r := newTestRegistrar(s, catalog)

	res, err := r.RegisterASIN(context.Background(), "B01REG0003", "base", "base_account_1", Options{SkipQueue: true})
	require.NoError(t, err)
	require.True(t, res.ListingCreated)
	require.False(t, res.Enqueued)

	n, err := s.PendingCount("base")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRegisterFromRecords_IngestsWithoutCatalogFetch(t *testing.T) {
	s := openTestStore(t)
	r := newTestRegistrar(s, &fakeCatalog{}) // empty catalog: the records carry everything

	records := []ProductRecord{
		{
			ASIN: "B01CSV0001", Title: "CSV商品", Brand: "BrandZ",
			CategoryPath: "おもちゃ/ブロック",
			ImageURLs:    []string{"https://img/csv.jpg"},
			PriceJPY:     1980, SellingPrice: 2580, Currency: "JPY",
		},
		{ASIN: "B01CSV0002", Title: "価格未定"},
		{ASIN: "not-an-asin", Title: "壊れた行"},
	}
	results, failures := r.RegisterFromRecords(context.Background(), records, "base", "base_account_1", Options{Priority: 3})
	require.Len(t, results, 2)
	require.Len(t, failures, 1)
	require.Contains(t, failures, "not-an-asin")

	p, err := s.GetProduct("B01CSV0001")
	require.NoError(t, err)
	require.Equal(t, "CSV商品", p.Title)
	require.EqualValues(t, 1980, p.AmazonPriceJPY)

	l, err := s.GetListing("B01CSV0001", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, l.Status)
	require.EqualValues(t, 2580, l.SellingPrice)

	n, err := s.PendingCount("base")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestImportFromPlatform_RebuildsCanonicalRows(t *testing.T) {
	s := openTestStore(t)
	r := newTestRegistrar(s, &fakeCatalog{})

	inv := &fakeInventory{name: "base", items: []platform.Item{
		{SKU: "base-B01IMP0001", PlatformItemID: "101", Title: "旧世代SKU", Price: 2980, Currency: "JPY", Quantity: 1, Visibility: "public"},
		{SKU: "b-B01IMP0002-20250101_0900", PlatformItemID: "102", Title: "現行SKU", Price: 1500, Currency: "JPY", Quantity: 1, Visibility: "hidden"},
		{SKU: "b-B01IMP0003-20250601_1000", Title: "ID未取得", Price: 1200, Currency: "JPY", Quantity: 1, Visibility: "public"},
		{SKU: "handmade-001", PlatformItemID: "103", Title: "手動出品"},
	}}

	imported, skipped, err := r.ImportFromPlatform(context.Background(), inv, "base_account_1")
	require.NoError(t, err)
	require.Equal(t, 3, imported)
	require.Equal(t, 1, skipped, "non-ASIN skus are left alone")

	l, err := s.GetListing("B01IMP0001", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusListed, l.Status)
	require.Equal(t, "101", *l.PlatformItemID)
	require.Equal(t, "base-B01IMP0001", *l.SKU)
	require.EqualValues(t, 2980, l.SellingPrice)

	l, err = s.GetListing("B01IMP0002", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.VisibilityHidden, l.Visibility)

	// No platform item id means the row cannot arrive as listed.
	l, err = s.GetListing("B01IMP0003", "base", "base_account_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, l.Status)
	require.Nil(t, l.PlatformItemID)
	require.Nil(t, l.ListedAt)

	// Imported rows never hit the upload queue.
	n, err := s.PendingCount("base")
	require.NoError(t, err)
	require.Zero(t, n)

	// A second import is a no-op.
	imported, skipped, err = r.ImportFromPlatform(context.Background(), inv, "base_account_1")
	require.NoError(t, err)
	require.Zero(t, imported)
	require.Equal(t, 4, skipped)
}
