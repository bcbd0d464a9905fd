// Package ebay implements the eBay marketplace adapter over the Sell
// Inventory API. A listing is a two-step state machine: an inventory item
// keyed by SKU, plus an offer that gets published into a live listing.
package ebay

import (
	"bytes"
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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"cross-lister/internal/platform"
)

const (
	// Name is the platform key used in listings.platform.
	Name = "ebay"

	productionEndpoint = "https://api.ebay.com"
	sandboxEndpoint    = "https://api.sandbox.ebay.com"

	marketplaceID = "EBAY_US"

	// maxImages is the Inventory API's imageUrls cap.
	maxImages = 12
)

// offerReadOnlyFields must be stripped from any offer PUT; eBay rejects
// updates that echo them back.
var offerReadOnlyFields = []string{"availableQuantity", "offerId", "listing", "status"}

func init() {
	platform.Register(Name, func(opts platform.Options) (platform.Adapter, error) {
		return New(opts)
	})
}

// Adapter is the eBay client for one selling account. Credentials come from
// the account document: client_id, client_secret, refresh_token,
// merchant_location_key and the three listing policy ids.
type Adapter struct {
	accountID string
	endpoint  string
	http      *http.Client
	user      *userTokenSource
	mapper    *CategoryMapper
	log       *zap.Logger

	merchantLocationKey string
	fulfillmentPolicy   string
	paymentPolicy       string
	returnPolicy        string
}

func New(opts platform.Options) (*Adapter, error) {
	acct, err := opts.Accounts.Account(opts.AccountID)
	if err != nil {
		return nil, err
	}
	client, err := opts.Accounts.HTTPClient(opts.AccountID, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ebay %s: %w", opts.AccountID, err)
	}
	endpoint := productionEndpoint
	if opts.Sandbox {
		endpoint = sandboxEndpoint
	}

	tokenURL := endpoint + "/identity/v1/oauth2/token"
	appCfg := &clientcredentials.Config{
		ClientID:     acct.Credentials["client_id"],
		ClientSecret: acct.Credentials["client_secret"],
		TokenURL:     tokenURL,
		Scopes:       []string{"https://api.ebay.com/oauth/api_scope"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	appCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)

	a := &Adapter{
		accountID:           opts.AccountID,
		endpoint:            endpoint,
		http:                client,
		log:                 opts.Log.With(zap.String("platform", Name), zap.String("account", opts.AccountID)),
		merchantLocationKey: acct.Credentials["merchant_location_key"],
		fulfillmentPolicy:   acct.Credentials["fulfillment_policy_id"],
		paymentPolicy:       acct.Credentials["payment_policy_id"],
		returnPolicy:        acct.Credentials["return_policy_id"],
	}
	a.user = newUserTokenSource(opts.DataDir, opts.AccountID, tokenURL,
		acct.Credentials["client_id"], acct.Credentials["client_secret"],
		acct.Credentials["refresh_token"], client)
	a.mapper = NewCategoryMapper(endpoint, client, appCfg.TokenSource(appCtx), a.log)
	return a, nil
}

func (a *Adapter) Name() string { return Name }

type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ebay api %d %s: %s", e.status, e.code, e.msg)
}

func resultFromError(err error) platform.Result {
	if ae, ok := err.(*apiError); ok {
		return platform.Fail(ae.code, ae.msg)
	}
	return platform.Fail("request_failed", err.Error())
}

// call performs one user-token request. A nil dst discards the body; a
// *map[string]interface{} dst preserves unknown fields for strip-and-PUT
// round trips.
func (a *Adapter) call(ctx context.Context, method, path string, body interface{}, dst interface{}) error {
	token, err := a.user.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", marketplaceID)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Language", "en-US")
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
		var payload struct {
			Errors []struct {
				ErrorID int    `json:"errorId"`
				Message string `json:"message"`
			} `json:"errors"`
		}
		ae := &apiError{status: resp.StatusCode, code: fmt.Sprintf("http_%d", resp.StatusCode), msg: string(raw)}
		if json.Unmarshal(raw, &payload) == nil && len(payload.Errors) > 0 {
			ae.code = strconv.Itoa(payload.Errors[0].ErrorID)
			ae.msg = payload.Errors[0].Message
		}
		return ae
	}
	if dst == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// ValidateItem rejects payloads the Inventory API would refuse.
func (a *Adapter) ValidateItem(item platform.Item) error {
	if strings.TrimSpace(item.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if item.Price <= 0 {
		return fmt.Errorf("price must be positive, got %v", item.Price)
	}
	if item.SKU == "" {
		return fmt.Errorf("sku is required")
	}
	return nil
}

// ensureInventoryItem creates or replaces the inventory item for the SKU.
func (a *Adapter) ensureInventoryItem(ctx context.Context, item platform.Item) error {
	images := item.ImageURLs
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	qty := item.Quantity
	if qty < 0 {
		qty = 0
	}
	body := map[string]interface{}{
		"availability": map[string]interface{}{
			"shipToLocationAvailability": map[string]interface{}{"quantity": qty},
		},
		"condition": "NEW",
		"product": map[string]interface{}{
			"title":       item.Title,
			"description": item.Description,
			"imageUrls":   images,
		},
	}
	return a.call(ctx, http.MethodPut, "/sell/inventory/v1/inventory_item/"+url.PathEscape(item.SKU), body, nil)
}

// getOfferBySKU returns the raw offer document, or nil when none exists.
// The raw map keeps fields this client does not model, so a strip-and-PUT
// round trip never loses them.
func (a *Adapter) getOfferBySKU(ctx context.Context, sku string) (map[string]interface{}, error) {
	var resp struct {
		Offers []map[string]interface{} `json:"offers"`
	}
	path := "/sell/inventory/v1/offer?sku=" + url.QueryEscape(sku) + "&marketplace_id=" + marketplaceID
	if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if ae, ok := err.(*apiError); ok && ae.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Offers) == 0 {
		return nil, nil
	}
	return resp.Offers[0], nil
}

func offerString(offer map[string]interface{}, key string) string {
	if v, ok := offer[key].(string); ok {
		return v
	}
	return ""
}

func offerQuantity(offer map[string]interface{}) int {
	if v, ok := offer["availableQuantity"].(float64); ok {
		return int(v)
	}
	return 0
}

func (a *Adapter) createOffer(ctx context.Context, item platform.Item, categoryID string) (string, error) {
	currency := item.Currency
	if currency == "" {
		currency = "USD"
	}
	body := map[string]interface{}{
		"sku":                 item.SKU,
		"marketplaceId":       marketplaceID,
		"format":              "FIXED_PRICE",
		"availableQuantity":   item.Quantity,
		"categoryId":          categoryID,
		"listingDescription":  item.Description,
		"merchantLocationKey": a.merchantLocationKey,
		"pricingSummary": map[string]interface{}{
			"price": map[string]interface{}{
				"value":    fmt.Sprintf("%.2f", item.Price),
				"currency": currency,
			},
		},
	}
	policies := map[string]interface{}{}
	if a.fulfillmentPolicy != "" {
		policies["fulfillmentPolicyId"] = a.fulfillmentPolicy
	}
	if a.paymentPolicy != "" {
		policies["paymentPolicyId"] = a.paymentPolicy
	}
	if a.returnPolicy != "" {
		policies["returnPolicyId"] = a.returnPolicy
	}
	if len(policies) > 0 {
		body["listingPolicies"] = policies
	}

	var resp struct {
		OfferID string `json:"offerId"`
	}
	if err := a.call(ctx, http.MethodPost, "/sell/inventory/v1/offer", body, &resp); err != nil {
		return "", err
	}
	return resp.OfferID, nil
}

func (a *Adapter) publish(ctx context.Context, offerID string) (string, error) {
	var resp struct {
		ListingID string `json:"listingId"`
	}
	path := "/sell/inventory/v1/offer/" + url.PathEscape(offerID) + "/publish"
	if err := a.call(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.ListingID, nil
}

// putOffer strips the read-only fields and PUTs the offer back.
func (a *Adapter) putOffer(ctx context.Context, offer map[string]interface{}) error {
	offerID := offerString(offer, "offerId")
	update := make(map[string]interface{}, len(offer))
	for k, v := range offer {
		update[k] = v
	}
	for _, k := range offerReadOnlyFields {
		delete(update, k)
	}
	return a.call(ctx, http.MethodPut, "/sell/inventory/v1/offer/"+url.PathEscape(offerID), update, nil)
}

// UploadItem drives the full state machine: inventory item, offer, publish.
func (a *Adapter) UploadItem(ctx context.Context, item platform.Item) platform.Result {
	if err := a.ValidateItem(item); err != nil {
		return platform.Fail("validation", err.Error())
	}
	if err := a.ensureInventoryItem(ctx, item); err != nil {
		return resultFromError(err)
	}

	offer, err := a.getOfferBySKU(ctx, item.SKU)
	if err != nil {
		return resultFromError(err)
	}
	var offerID string
	if offer == nil {
		categoryID := item.CategoryPath
		if categoryID == "" {
			categoryID = a.mapper.Suggest(ctx, item.Title)
		}
		if offerID, err = a.createOffer(ctx, item, categoryID); err != nil {
			return resultFromError(err)
		}
	} else {
		offerID = offerString(offer, "offerId")
		if offerString(offer, "merchantLocationKey") == "" && a.merchantLocationKey != "" {
			offer["merchantLocationKey"] = a.merchantLocationKey
			if err := a.putOffer(ctx, offer); err != nil {
				return resultFromError(err)
			}
		}
	}

	listingID, err := a.publish(ctx, offerID)
	if err != nil {
		return resultFromError(err)
	}
	return platform.OK(listingID)
}

func (a *Adapter) UpdateItem(ctx context.Context, ref platform.Ref, item platform.Item) platform.Result {
	if item.SKU == "" {
		item.SKU = ref.SKU
	}
	if err := a.ensureInventoryItem(ctx, item); err != nil {
		return resultFromError(err)
	}
	if item.Price > 0 {
		return a.UpdatePrice(ctx, ref, item.Price)
	}
	return platform.OK(ref.PlatformItemID)
}

// UpdatePrice updates the offer's pricing. A PUBLISHED offer with zero
// available quantity must get its inventory quantity lifted to 1 first, or
// eBay rejects the price change.
func (a *Adapter) UpdatePrice(ctx context.Context, ref platform.Ref, price float64) platform.Result {
	offer, err := a.getOfferBySKU(ctx, ref.SKU)
	if err != nil {
		return resultFromError(err)
	}
	if offer == nil {
		return platform.Failf("offer_not_found", "no offer for sku %s", ref.SKU)
	}

	if offerString(offer, "status") == "PUBLISHED" && offerQuantity(offer) == 0 {
		if res := a.UpdateQuantity(ctx, ref, 1); res.Status != platform.StatusSuccess {
			return res
		}
	}

	currency := "USD"
	if ps, ok := offer["pricingSummary"].(map[string]interface{}); ok {
		if p, ok := ps["price"].(map[string]interface{}); ok {
			if c, ok := p["currency"].(string); ok && c != "" {
				currency = c
			}
		}
	}
	offer["pricingSummary"] = map[string]interface{}{
		"price": map[string]interface{}{
			"value":    fmt.Sprintf("%.2f", price),
			"currency": currency,
		},
	}
	if err := a.putOffer(ctx, offer); err != nil {
		return resultFromError(err)
	}
	return platform.OK(ref.PlatformItemID)
}

// UpdateQuantity rewrites the inventory item's ship-to-location quantity,
// preserving the rest of the stored document.
func (a *Adapter) UpdateQuantity(ctx context.Context, ref platform.Ref, quantity int) platform.Result {
	path := "/sell/inventory/v1/inventory_item/" + url.PathEscape(ref.SKU)
	var inv map[string]interface{}
	if err := a.call(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return resultFromError(err)
	}
	avail, _ := inv["availability"].(map[string]interface{})
	if avail == nil {
		avail = map[string]interface{}{}
	}
	avail["shipToLocationAvailability"] = map[string]interface{}{"quantity": quantity}
	inv["availability"] = avail
	delete(inv, "sku")
	if err := a.call(ctx, http.MethodPut, path, inv, nil); err != nil {
		return resultFromError(err)
	}
	return platform.OK(ref.PlatformItemID)
}

// UpdateVisibility maps the canonical public/hidden pair onto the offer
// lifecycle: hidden withdraws the offer, public republishes it.
func (a *Adapter) UpdateVisibility(ctx context.Context, ref platform.Ref, visibility string) platform.Result {
	offer, err := a.getOfferBySKU(ctx, ref.SKU)
	if err != nil {
		return resultFromError(err)
	}
	if offer == nil {
		return platform.Failf("offer_not_found", "no offer for sku %s", ref.SKU)
	}
	offerID := offerString(offer, "offerId")

	if visibility == "hidden" {
		if offerString(offer, "status") != "PUBLISHED" {
			return platform.OK(ref.PlatformItemID)
		}
		path := "/sell/inventory/v1/offer/" + url.PathEscape(offerID) + "/withdraw"
		if err := a.call(ctx, http.MethodPost, path, nil, nil); err != nil {
			return resultFromError(err)
		}
		return platform.OK(ref.PlatformItemID)
	}
	return a.Relist(ctx, ref.SKU)
}

// Relist republishes an unpublished offer, repairing a missing
// merchantLocationKey first (publish rejects offers without one).
func (a *Adapter) Relist(ctx context.Context, sku string) platform.Result {
	offer, err := a.getOfferBySKU(ctx, sku)
	if err != nil {
		return resultFromError(err)
	}
	if offer == nil {
		return platform.Failf("offer_not_found", "no offer for sku %s", sku)
	}
	if offerString(offer, "status") == "PUBLISHED" {
		return platform.OK(offerString(offer, "listingId"))
	}
	if offerString(offer, "merchantLocationKey") == "" && a.merchantLocationKey != "" {
		offer["merchantLocationKey"] = a.merchantLocationKey
		if err := a.putOffer(ctx, offer); err != nil {
			return resultFromError(err)
		}
	}
	listingID, err := a.publish(ctx, offerString(offer, "offerId"))
	if err != nil {
		return resultFromError(err)
	}
	return platform.OK(listingID)
}

// DeleteItem withdraws a published offer and removes the inventory item
// (which cascades to the offer).
func (a *Adapter) DeleteItem(ctx context.Context, ref platform.Ref) platform.Result {
	offer, err := a.getOfferBySKU(ctx, ref.SKU)
	if err != nil {
		return resultFromError(err)
	}
	if offer != nil && offerString(offer, "status") == "PUBLISHED" {
		path := "/sell/inventory/v1/offer/" + url.PathEscape(offerString(offer, "offerId")) + "/withdraw"
		if err := a.call(ctx, http.MethodPost, path, nil, nil); err != nil {
			return resultFromError(err)
		}
	}
	path := "/sell/inventory/v1/inventory_item/" + url.PathEscape(ref.SKU)
	if err := a.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return resultFromError(err)
	}
	return platform.OK(ref.PlatformItemID)
}

// UploadImages rewrites the inventory item's image list, capped at 12.
func (a *Adapter) UploadImages(ctx context.Context, ref platform.Ref, urls []string) platform.Result {
	if len(urls) > maxImages {
		urls = urls[:maxImages]
	}
	path := "/sell/inventory/v1/inventory_item/" + url.PathEscape(ref.SKU)
	var inv map[string]interface{}
	if err := a.call(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return resultFromError(err)
	}
	product, _ := inv["product"].(map[string]interface{})
	if product == nil {
		product = map[string]interface{}{}
	}
	product["imageUrls"] = urls
	inv["product"] = product
	delete(inv, "sku")
	if err := a.call(ctx, http.MethodPut, path, inv, nil); err != nil {
		return resultFromError(err)
	}
	return platform.OK(ref.PlatformItemID)
}

type inventoryItem struct {
	SKU     string `json:"sku"`
	Product struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		ImageUrls   []string `json:"imageUrls"`
	} `json:"product"`
	Availability struct {
		ShipToLocationAvailability struct {
			Quantity int `json:"quantity"`
		} `json:"shipToLocationAvailability"`
	} `json:"availability"`
}

func (i inventoryItem) toItem() platform.Item {
	return platform.Item{
		SKU:         i.SKU,
		Title:       i.Product.Title,
		Description: i.Product.Description,
		ImageURLs:   i.Product.ImageUrls,
		Quantity:    i.Availability.ShipToLocationAvailability.Quantity,
		Currency:    "USD",
	}
}

func (a *Adapter) GetItem(ctx context.Context, ref platform.Ref) (*platform.Item, error) {
	var inv inventoryItem
	path := "/sell/inventory/v1/inventory_item/" + url.PathEscape(ref.SKU)
	if err := a.call(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return nil, err
	}
	item := inv.toItem()

	offer, err := a.getOfferBySKU(ctx, ref.SKU)
	if err != nil {
		return nil, err
	}
	if offer != nil {
		item.Visibility = "hidden"
		if offerString(offer, "status") == "PUBLISHED" {
			item.Visibility = "public"
			item.PlatformItemID = offerString(offer, "listingId")
		}
		if ps, ok := offer["pricingSummary"].(map[string]interface{}); ok {
			if p, ok := ps["price"].(map[string]interface{}); ok {
				if v, ok := p["value"].(string); ok {
					item.Price, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
	}
	return &item, nil
}

// ListItems pages through the account's inventory items.
func (a *Adapter) ListItems(ctx context.Context) ([]platform.Item, error) {
	const pageSize = 100
	var out []platform.Item
	for offset := 0; ; offset += pageSize {
		path := fmt.Sprintf("/sell/inventory/v1/inventory_item?limit=%d&offset=%d", pageSize, offset)
		var resp struct {
			InventoryItems []inventoryItem `json:"inventoryItems"`
			Total          int             `json:"total"`
		}
		if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		for _, inv := range resp.InventoryItems {
			out = append(out, inv.toItem())
		}
		if offset+len(resp.InventoryItems) >= resp.Total || len(resp.InventoryItems) == 0 {
			return out, nil
		}
	}
}

// CheckDuplicate reports whether the account already carries the SKU, or any
// inventory SKU embedding the ASIN.
func (a *Adapter) CheckDuplicate(ctx context.Context, asin, sku string) (bool, error) {
	path := "/sell/inventory/v1/inventory_item/" + url.PathEscape(sku)
	err := a.call(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	if ae, ok := err.(*apiError); !ok || ae.status != http.StatusNotFound {
		return false, err
	}
	if asin == "" {
		return false, nil
	}
	items, err := a.ListItems(ctx)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if strings.Contains(it.SKU, asin) {
			return true, nil
		}
	}
	return false, nil
}
