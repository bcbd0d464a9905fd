package base

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cross-lister/internal/platform"
	"cross-lister/internal/ratelimit"
)

func newTestAdapter(t *testing.T, api http.HandlerFunc) (*Adapter, *atomic.Int64) {
	t.Helper()
	var tokenCalls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "base-access",
			"refresh_token": "base-refresh-2",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	limiter := ratelimit.New(map[ratelimit.Class]time.Duration{
		ratelimit.BaseWrite: time.Millisecond,
	})
	a := &Adapter{
		accountID: "base_account_1",
		endpoint:  apiSrv.URL,
		http:      http.DefaultClient,
		limiter:   limiter,
		log:       zap.NewNop(),
	}
	a.tokens = newTokenSource(t.TempDir(), "base_account_1", tokenSrv.URL,
		"cid", "sec", "seed-refresh", http.DefaultClient)
	return a, &tokenCalls
}

func itemJSON(id int64, fields map[string]interface{}) map[string]interface{} {
	item := map[string]interface{}{"item_id": id}
	for k, v := range fields {
		item[k] = v
	}
	return map[string]interface{}{"item": item}
}

func TestUploadItem_CreatesItemAndImages(t *testing.T) {
	var imageNos []string
	a, tokenCalls := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer base-access", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/items/add":
			require.Equal(t, "テスト商品", r.Form.Get("title"))
			require.Equal(t, "2980", r.Form.Get("price"))
			require.Equal(t, "1", r.Form.Get("visible"))
			require.Equal(t, "b-B01TEST006-20260824_1200", r.Form.Get("identifier"))
			json.NewEncoder(w).Encode(itemJSON(77777, nil))
		case "/items/add_image":
			require.Equal(t, "77777", r.Form.Get("item_id"))
			imageNos = append(imageNos, r.Form.Get("image_no"))
			w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res := a.UploadItem(context.Background(), platform.Item{
		SKU:        "b-B01TEST006-20260824_1200",
		Title:      "テスト商品",
		Price:      2980,
		Quantity:   1,
		Visibility: "public",
		ImageURLs:  []string{"https://img/1.jpg", "https://img/2.jpg"},
	})
	require.Equal(t, platform.StatusSuccess, res.Status)
	require.Equal(t, "77777", res.PlatformItemID)
	require.Equal(t, []string{"1", "2"}, imageNos)
	require.EqualValues(t, 1, tokenCalls.Load(), "token refreshed once, then cached")
}

func TestUploadItem_ValidationRejectsBeforeNetwork(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for invalid item")
	})
	res := a.UploadItem(context.Background(), platform.Item{Title: "  ", Price: 100})
	require.Equal(t, platform.StatusFailed, res.Status)
	require.Equal(t, "validation", res.ErrorCode)
}

func TestUpdatePrice_SendsOnlyPriceField(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/items/edit", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "77777", r.Form.Get("item_id"))
		require.Equal(t, "3480", r.Form.Get("price"))
		// Partial update: untouched fields must not appear in the form.
		require.Empty(t, r.Form.Get("title"))
		require.Empty(t, r.Form.Get("stock"))
		require.Empty(t, r.Form.Get("visible"))
		json.NewEncoder(w).Encode(itemJSON(77777, nil))
	})
	res := a.UpdatePrice(context.Background(), platform.Ref{PlatformItemID: "77777"}, 3480)
	require.Equal(t, platform.StatusSuccess, res.Status)
}

func TestCall_HourAPILimitSurfacesAsErrorCode(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "hour_api_limit",
			"error_description": "hourly api limit reached",
		})
	})
	res := a.UpdateQuantity(context.Background(), platform.Ref{PlatformItemID: "77777"}, 0)
	require.Equal(t, platform.StatusFailed, res.Status)
	require.Equal(t, "hour_api_limit", res.ErrorCode)
}

func TestCheckDuplicate_MatchesLegacyIdentifier(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/items", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"item_id": 1, "identifier": "base-B01LEGACY1", "title": "旧商品"},
			},
		})
	})

	dup, err := a.CheckDuplicate(context.Background(), "B01LEGACY1", "b-B01LEGACY1-20260824_1200")
	require.NoError(t, err)
	require.True(t, dup, "legacy identifier embedding the ASIN counts as duplicate")

	dup, err = a.CheckDuplicate(context.Background(), "B01FRESH01", "b-B01FRESH01-20260824_1200")
	require.NoError(t, err)
	require.False(t, dup)
}

func TestTokenSource_PersistsAndReuses(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok-1",
			"refresh_token": "ref-2",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	ts := newTokenSource(dir, "acct", tokenSrv.URL, "cid", "sec", "seed", http.DefaultClient)
	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	raw, err := os.ReadFile(filepath.Join(dir, "acct_token.json"))
	require.NoError(t, err)
	var saved tokenFile
	require.NoError(t, json.Unmarshal(raw, &saved))
	require.Equal(t, "tok-1", saved.AccessToken)
	require.Equal(t, "ref-2", saved.RefreshToken)
	require.NotZero(t, saved.TokenSavedAt)

	// A fresh source reads the saved file and skips the network.
	ts2 := newTokenSource(dir, "acct", tokenSrv.URL, "cid", "sec", "seed", http.DefaultClient)
	tok, err = ts2.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.EqualValues(t, 1, calls.Load())
}
