// Package base implements the BASE (thebase.in) marketplace adapter.
// All requests ride the account's owner-resolved proxy and the shared
// write-interval limiter.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/platform"
	"cross-lister/internal/ratelimit"
)

const (
	// Name is the platform key used in listings.platform.
	Name = "base"

	defaultEndpoint = "https://api.thebase.in/1"
	defaultTokenURL = "https://api.thebase.in/1/oauth/token"

	// errHourAPILimit is BASE's own hourly rate-limit error body. The
	// scheduler treats it as retryable.
	errHourAPILimit = "hour_api_limit"

	// maxImages is BASE's per-item image slot count.
	maxImages = 20
)

func init() {
	platform.Register(Name, func(opts platform.Options) (platform.Adapter, error) {
		return New(opts)
	})
}

// Adapter is the BASE marketplace client for one account.
type Adapter struct {
	accountID string
	endpoint  string
	http      *http.Client
	tokens    *tokenSource
	limiter   *ratelimit.Limiter
	log       *zap.Logger
}

// New builds the adapter from the account's stored credentials
// (client_id, client_secret, refresh_token).
func New(opts platform.Options) (*Adapter, error) {
	acct, err := opts.Accounts.Account(opts.AccountID)
	if err != nil {
		return nil, err
	}
	client, err := opts.Accounts.HTTPClient(opts.AccountID, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("base %s: %w", opts.AccountID, err)
	}
	a := &Adapter{
		accountID: opts.AccountID,
		endpoint:  defaultEndpoint,
		http:      client,
		limiter:   opts.Limiter,
		log:       opts.Log.With(zap.String("platform", Name), zap.String("account", opts.AccountID)),
	}
	a.tokens = newTokenSource(opts.DataDir, opts.AccountID, defaultTokenURL,
		acct.Credentials["client_id"], acct.Credentials["client_secret"],
		acct.Credentials["refresh_token"], client)
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// baseItem is the item document BASE returns.
type baseItem struct {
	ItemID     json.Number `json:"item_id"`
	Title      string      `json:"title"`
	Detail     string      `json:"detail"`
	Price      int64       `json:"price"`
	Stock      int         `json:"stock"`
	Visible    int         `json:"visible"`
	Identifier string      `json:"identifier"`
}

func (i baseItem) toItem() platform.Item {
	visibility := "hidden"
	if i.Visible == 1 {
		visibility = "public"
	}
	return platform.Item{
		PlatformItemID: i.ItemID.String(),
		SKU:            i.Identifier,
		Title:          i.Title,
		Description:    i.Detail,
		Price:          float64(i.Price),
		Currency:       "JPY",
		Quantity:       i.Stock,
		Visibility:     visibility,
	}
}

type apiError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// call performs one authenticated request against a BASE endpoint. Mutating
// calls wait out the shared write interval first.
func (a *Adapter) call(ctx context.Context, method, path string, form url.Values, dst interface{}) error {
	if method != http.MethodGet && a.limiter != nil {
		if !a.limiter.Wait(ctx, ratelimit.BaseWrite) {
			return ctx.Err()
		}
	}
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	u := a.endpoint + path
	if method == http.MethodGet {
		if len(form) > 0 {
			u += "?" + form.Encode()
		}
	} else if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e apiError
		json.Unmarshal(raw, &e)
		if e.Code == errHourAPILimit {
			a.log.Warn("base hourly api limit hit",
				zap.String("path", path), zap.String("detail", e.Description))
		}
		if e.Code == "" {
			e.Code = fmt.Sprintf("http_%d", resp.StatusCode)
			e.Description = string(raw)
		}
		return &callError{code: e.Code, message: e.Description, status: resp.StatusCode}
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

type callError struct {
	code    string
	message string
	status  int
}

func (e *callError) Error() string {
	return fmt.Sprintf("base api %d %s: %s", e.status, e.code, e.message)
}

// resultFromError maps an adapter call error onto the uniform result.
func resultFromError(err error) platform.Result {
	if ce, ok := err.(*callError); ok {
		return platform.Fail(ce.code, ce.message)
	}
	return platform.Fail("request_failed", err.Error())
}

// ValidateItem rejects payloads BASE would refuse server-side.
func (a *Adapter) ValidateItem(item platform.Item) error {
	if strings.TrimSpace(item.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if item.Price <= 0 {
		return fmt.Errorf("price must be positive, got %v", item.Price)
	}
	return nil
}

// UploadItem creates the item and then pushes its images. A created item
// with failed images still reports success; image slots repair on the next
// update cycle.
func (a *Adapter) UploadItem(ctx context.Context, item platform.Item) platform.Result {
	if err := a.ValidateItem(item); err != nil {
		return platform.Fail("validation", err.Error())
	}
	visible := "0"
	if item.Visibility == "" || item.Visibility == "public" {
		visible = "1"
	}
	form := url.Values{
		"title":      {item.Title},
		"detail":     {item.Description},
		"price":      {strconv.FormatInt(int64(item.Price), 10)},
		"stock":      {strconv.Itoa(item.Quantity)},
		"visible":    {visible},
		"identifier": {item.SKU},
	}
	var resp struct {
		Item baseItem `json:"item"`
	}
	if err := a.call(ctx, http.MethodPost, "/items/add", form, &resp); err != nil {
		return resultFromError(err)
	}
	itemID := resp.Item.ItemID.String()

	ref := platform.Ref{SKU: item.SKU, PlatformItemID: itemID}
	if res := a.UploadImages(ctx, ref, item.ImageURLs); res.Status != platform.StatusSuccess {
		a.log.Warn("item created but images failed",
			zap.String("item_id", itemID), zap.String("detail", res.Message))
	}
	return platform.OK(itemID)
}

// UpdateItem edits only the fields present in item; BASE guarantees omitted
// form fields stay untouched, which identifier-repair tools rely on.
func (a *Adapter) UpdateItem(ctx context.Context, ref platform.Ref, item platform.Item) platform.Result {
	form := url.Values{"item_id": {ref.PlatformItemID}}
	if item.Title != "" {
		form.Set("title", item.Title)
	}
	if item.Description != "" {
		form.Set("detail", item.Description)
	}
	if item.Price > 0 {
		form.Set("price", strconv.FormatInt(int64(item.Price), 10))
	}
	if item.SKU != "" {
		form.Set("identifier", item.SKU)
	}
	return a.edit(ctx, form)
}

func (a *Adapter) edit(ctx context.Context, form url.Values) platform.Result {
	var resp struct {
		Item baseItem `json:"item"`
	}
	if err := a.call(ctx, http.MethodPost, "/items/edit", form, &resp); err != nil {
		return resultFromError(err)
	}
	return platform.OK(resp.Item.ItemID.String())
}

func (a *Adapter) DeleteItem(ctx context.Context, ref platform.Ref) platform.Result {
	form := url.Values{"item_id": {ref.PlatformItemID}}
	if err := a.call(ctx, http.MethodPost, "/items/delete", form, nil); err != nil {
		return resultFromError(err)
	}
	return platform.OK(ref.PlatformItemID)
}

func (a *Adapter) UpdatePrice(ctx context.Context, ref platform.Ref, price float64) platform.Result {
	return a.edit(ctx, url.Values{
		"item_id": {ref.PlatformItemID},
		"price":   {strconv.FormatInt(int64(price), 10)},
	})
}

func (a *Adapter) UpdateQuantity(ctx context.Context, ref platform.Ref, quantity int) platform.Result {
	return a.edit(ctx, url.Values{
		"item_id": {ref.PlatformItemID},
		"stock":   {strconv.Itoa(quantity)},
	})
}

func (a *Adapter) UpdateVisibility(ctx context.Context, ref platform.Ref, visibility string) platform.Result {
	visible := "0"
	if visibility == "public" {
		visible = "1"
	}
	return a.edit(ctx, url.Values{
		"item_id": {ref.PlatformItemID},
		"visible": {visible},
	})
}

// UploadImages fills image slots 1..20 in order.
func (a *Adapter) UploadImages(ctx context.Context, ref platform.Ref, urls []string) platform.Result {
	if len(urls) > maxImages {
		urls = urls[:maxImages]
	}
	for i, imageURL := range urls {
		form := url.Values{
			"item_id":   {ref.PlatformItemID},
			"image_no":  {strconv.Itoa(i + 1)},
			"image_url": {imageURL},
		}
		if err := a.call(ctx, http.MethodPost, "/items/add_image", form, nil); err != nil {
			return resultFromError(err)
		}
	}
	return platform.OK(ref.PlatformItemID)
}

func (a *Adapter) GetItem(ctx context.Context, ref platform.Ref) (*platform.Item, error) {
	var resp struct {
		Item baseItem `json:"item"`
	}
	if err := a.call(ctx, http.MethodGet, "/items/detail/"+ref.PlatformItemID, nil, &resp); err != nil {
		return nil, err
	}
	item := resp.Item.toItem()
	return &item, nil
}

// ListItems pages through the shop's items.
func (a *Adapter) ListItems(ctx context.Context) ([]platform.Item, error) {
	const pageSize = 100
	var out []platform.Item
	for offset := 0; ; offset += pageSize {
		form := url.Values{
			"limit":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		var resp struct {
			Items []baseItem `json:"items"`
		}
		if err := a.call(ctx, http.MethodGet, "/items", form, &resp); err != nil {
			return nil, err
		}
		for _, it := range resp.Items {
			out = append(out, it.toItem())
		}
		if len(resp.Items) < pageSize {
			return out, nil
		}
	}
}

// CheckDuplicate reports whether the shop already carries the ASIN, matching
// both exact SKU and legacy identifiers embedding the ASIN.
func (a *Adapter) CheckDuplicate(ctx context.Context, asin, sku string) (bool, error) {
	items, err := a.ListItems(ctx)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.SKU == sku {
			return true, nil
		}
		if asin != "" && strings.Contains(it.SKU, asin) {
			return true, nil
		}
	}
	return false, nil
}

// Order is one BASE order header.
type Order struct {
	UniqueKey  string `json:"unique_key"`
	Ordered    int64  `json:"ordered"`
	Total      int64  `json:"total"`
	Dispatched bool   `json:"dispatched"`
}

// OrderDetail is one order with its line items.
type OrderDetail struct {
	Order
	Items []struct {
		ItemID     json.Number `json:"item_id"`
		Title      string      `json:"title"`
		Identifier string      `json:"identifier"`
		Amount     int         `json:"amount"`
		Total      int64       `json:"total"`
	} `json:"order_items"`
}

// Orders lists order headers placed on or after startDate (YYYY-MM-DD).
func (a *Adapter) Orders(ctx context.Context, startDate string) ([]Order, error) {
	form := url.Values{}
	if startDate != "" {
		form.Set("start_ordered", startDate)
	}
	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := a.call(ctx, http.MethodGet, "/orders", form, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// OrderDetailByKey fetches one order with line items.
func (a *Adapter) OrderDetailByKey(ctx context.Context, uniqueKey string) (*OrderDetail, error) {
	var resp struct {
		Order OrderDetail `json:"order"`
	}
	if err := a.call(ctx, http.MethodGet, "/orders/detail/"+uniqueKey, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Order, nil
}
