package ebay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// defaultCategoryID is the fallback leaf category when the Taxonomy API
// returns nothing usable (Toys & Hobbies > Other).
const defaultCategoryID = "220"

// categoryTreeID 0 is the EBAY_US tree.
const categoryTreeID = "0"

// CategoryMapper suggests a leaf category for a listing title via the
// Taxonomy API. Suggestions are cached in-process, keyed by the MD5 of the
// normalized query.
type CategoryMapper struct {
	endpoint string
	http     *http.Client
	app      oauth2.TokenSource
	cache    *gocache.Cache
	fallback string
	log      *zap.Logger
}

// NewCategoryMapper builds a mapper over an application-token source.
func NewCategoryMapper(endpoint string, client *http.Client, app oauth2.TokenSource, log *zap.Logger) *CategoryMapper {
	return &CategoryMapper{
		endpoint: endpoint,
		http:     client,
		app:      app,
		cache:    gocache.New(12*time.Hour, time.Hour),
		fallback: defaultCategoryID,
		log:      log,
	}
}

func cacheKey(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Suggest returns a leaf category id for the query, falling back to the
// default category on API failure or an empty suggestion list. Failures are
// logged, never propagated: a listing with a generic category beats no
// listing.
func (m *CategoryMapper) Suggest(ctx context.Context, query string) string {
	if query == "" {
		return m.fallback
	}
	key := cacheKey(query)
	if cached, ok := m.cache.Get(key); ok {
		return cached.(string)
	}

	id, err := m.fetch(ctx, query)
	if err != nil {
		m.log.Warn("category suggestion failed", zap.String("query", query), zap.Error(err))
		return m.fallback
	}
	if id == "" {
		id = m.fallback
	}
	m.cache.Set(key, id, gocache.DefaultExpiration)
	return id
}

func (m *CategoryMapper) fetch(ctx context.Context, query string) (string, error) {
	tok, err := m.app.Token()
	if err != nil {
		return "", fmt.Errorf("app token: %w", err)
	}

	u := fmt.Sprintf("%s/commerce/taxonomy/v1/category_tree/%s/get_category_suggestions?q=%s",
		m.endpoint, categoryTreeID, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	tok.SetAuthHeader(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("taxonomy status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		CategorySuggestions []struct {
			Category struct {
				CategoryID string `json:"categoryId"`
			} `json:"category"`
		} `json:"categorySuggestions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.CategorySuggestions) == 0 {
		return "", nil
	}
	return payload.CategorySuggestions[0].Category.CategoryID, nil
}
