package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"cross-lister/internal/ratelimit"
)

// BatchSize is the getItemOffersBatch hard cap.
const BatchSize = 20

// invitationOnlyHours is the sentinel maximumHours for invitation-only
// offers, which must never be selected.
const invitationOnlyHours = 999

// maxDeliveryHours is the hard delivery-time filter.
const maxDeliveryHours = 72

// OfferStatus tags the outcome of a per-ASIN offer lookup. The distinction
// between OutOfStock and APIErr is load-bearing: APIErr means "retain the
// previous snapshot", not "zero stock".
type OfferStatus string

const (
	OfferSuccess      OfferStatus = "success"
	OfferOutOfStock   OfferStatus = "out_of_stock"
	OfferFilteredOut  OfferStatus = "filtered_out"
	OfferAPIError     OfferStatus = "api_error"
	OfferEmptyPayload OfferStatus = "empty_payload"
)

// OfferResult is the tagged per-ASIN outcome of a price lookup.
type OfferResult struct {
	Status   OfferStatus
	PriceJPY int64
	InStock  bool
	IsPrime  bool
	IsFBA    bool
	Currency string
	Message  string
}

type offer struct {
	SubCondition        string `json:"SubCondition"`
	IsFulfilledByAmazon bool   `json:"IsFulfilledByAmazon"`
	PrimeInformation    struct {
		IsPrime bool `json:"IsPrime"`
	} `json:"PrimeInformation"`
	ShippingTime struct {
		MaximumHours     int    `json:"maximumHours"`
		AvailabilityType string `json:"availabilityType"`
	} `json:"ShippingTime"`
	ListingPrice struct {
		CurrencyCode string  `json:"CurrencyCode"`
		Amount       float64 `json:"Amount"`
	} `json:"ListingPrice"`
	Shipping struct {
		CurrencyCode string  `json:"CurrencyCode"`
		Amount       float64 `json:"Amount"`
	} `json:"Shipping"`
}

type offersBatchResponse struct {
	Responses []struct {
		Status struct {
			StatusCode int `json:"statusCode"`
		} `json:"status"`
		Body struct {
			Payload struct {
				ASIN   string  `json:"ASIN"`
				Offers []offer `json:"Offers"`
			} `json:"payload"`
		} `json:"body"`
		Request struct {
			URI string `json:"uri"`
		} `json:"request"`
	} `json:"responses"`
}

// passesFilters applies the hard offer filters: condition New, delivery
// within 72 hours, free shipping, and not invitation-only.
func passesFilters(o offer) bool {
	if o.SubCondition != "new" && o.SubCondition != "New" {
		return false
	}
	if o.ShippingTime.MaximumHours == invitationOnlyHours {
		return false
	}
	if o.ShippingTime.MaximumHours > maxDeliveryHours {
		return false
	}
	if o.Shipping.Amount != 0 {
		return false
	}
	return true
}

// scoreOffer ranks a surviving offer: availability NOW dominates, then
// faster delivery, Prime and FBA.
func scoreOffer(o offer) int {
	score := 0
	if o.ShippingTime.AvailabilityType == "NOW" {
		score += 1000
	}
	score += maxDeliveryHours - o.ShippingTime.MaximumHours
	if o.PrimeInformation.IsPrime {
		score += 100
	}
	if o.IsFulfilledByAmazon {
		score += 50
	}
	return score
}

// pickOffer applies filter+score and returns the tagged result.
func pickOffer(offers []offer) OfferResult {
	if len(offers) == 0 {
		return OfferResult{Status: OfferOutOfStock}
	}
	bestIdx := -1
	bestScore := 0
	for i, o := range offers {
		if !passesFilters(o) {
			continue
		}
		score := scoreOffer(o)
		if bestIdx < 0 || score > bestScore ||
			(score == bestScore && o.ListingPrice.Amount < offers[bestIdx].ListingPrice.Amount) {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx < 0 {
		return OfferResult{Status: OfferFilteredOut}
	}
	won := offers[bestIdx]
	currency := won.ListingPrice.CurrencyCode
	if currency == "" {
		currency = "JPY"
	}
	return OfferResult{
		Status:   OfferSuccess,
		PriceJPY: int64(won.ListingPrice.Amount),
		InStock:  true,
		IsPrime:  won.PrimeInformation.IsPrime,
		IsFBA:    won.IsFulfilledByAmazon,
		Currency: currency,
	}
}

// GetPricesBatch fetches price and offer info for the given ASINs in batches
// of up to BatchSize, waiting out the per-batch quota between submissions.
// A cancelled wait aborts the remaining batches; results gathered so far are
// returned together with ctx.Err.
func (c *Client) GetPricesBatch(ctx context.Context, asins []string) (map[string]OfferResult, error) {
	results := make(map[string]OfferResult, len(asins))

	for start := 0; start < len(asins); start += BatchSize {
		end := start + BatchSize
		if end > len(asins) {
			end = len(asins)
		}
		batch := asins[start:end]

		if !c.limiter.Wait(ctx, ratelimit.AmazonOffersBatch) {
			return results, ctx.Err()
		}
		if err := c.fetchOffersBatch(ctx, batch, results); err != nil {
			// Batch-level failure: every ASIN in the batch keeps its previous
			// snapshot downstream.
			c.log.Warn("offers batch failed", zap.Int("asins", len(batch)), zap.Error(err))
			for _, asin := range batch {
				results[asin] = OfferResult{Status: OfferAPIError, Message: err.Error()}
			}
		}
	}
	return results, nil
}

func (c *Client) fetchOffersBatch(ctx context.Context, batch []string, results map[string]OfferResult) error {
	type batchRequest struct {
		URI           string `json:"uri"`
		Method        string `json:"method"`
		MarketplaceID string `json:"MarketplaceId"`
		ItemCondition string `json:"ItemCondition"`
	}
	reqs := make([]batchRequest, 0, len(batch))
	for _, asin := range batch {
		reqs = append(reqs, batchRequest{
			URI:           "/products/pricing/v0/items/" + asin + "/offers",
			Method:        "GET",
			MarketplaceID: c.cfg.MarketplaceID,
			ItemCondition: "New",
		})
	}
	body, err := json.Marshal(map[string]interface{}{"requests": reqs})
	if err != nil {
		return err
	}

	var resp offersBatchResponse
	if err := c.doJSON(ctx, "POST", "/batches/products/pricing/v0/itemOffers", nil, bytes.NewReader(body), &resp); err != nil {
		return err
	}

	for i, inner := range resp.Responses {
		if i >= len(batch) {
			break
		}
		asin := batch[i]
		if inner.Body.Payload.ASIN != "" {
			asin = inner.Body.Payload.ASIN
		}
		switch {
		case inner.Status.StatusCode != 0 && (inner.Status.StatusCode < 200 || inner.Status.StatusCode > 299):
			results[asin] = OfferResult{Status: OfferAPIError,
				Message: fmt.Sprintf("inner status %d", inner.Status.StatusCode)}
		case inner.Body.Payload.ASIN == "" && len(inner.Body.Payload.Offers) == 0:
			results[asin] = OfferResult{Status: OfferEmptyPayload}
		default:
			results[asin] = pickOffer(inner.Body.Payload.Offers)
		}
		if c.cfg.DebugASIN != "" && asin == c.cfg.DebugASIN {
			c.log.Info("debug asin offer trace",
				zap.String("asin", asin),
				zap.Int("offers", len(inner.Body.Payload.Offers)),
				zap.Any("result", results[asin]))
		}
	}
	// Any ASIN the response skipped entirely counts as an empty payload.
	for _, asin := range batch {
		if _, ok := results[asin]; !ok {
			results[asin] = OfferResult{Status: OfferEmptyPayload}
		}
	}
	return nil
}

// GetProductPrice is the single-ASIN variant with the same filter+score.
// Retries on QuotaExceeded with a fixed delay; a shutdown signal aborts the
// retry loop.
func (c *Client) GetProductPrice(ctx context.Context, asin string) (OfferResult, error) {
	var result OfferResult
	operation := func() error {
		if !c.limiter.Wait(ctx, ratelimit.AmazonOffersBatch) {
			return backoff.Permanent(ctx.Err())
		}
		batch := make(map[string]OfferResult, 1)
		if err := c.fetchOffersBatch(ctx, []string{asin}, batch); err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = batch[asin]
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxRetries)),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return OfferResult{Status: OfferAPIError, Message: err.Error()}, err
	}
	return result, nil
}

// GetPricingForASINs is the optional single-request alternative to the
// offers batch. Unused by the sync engine; kept so a future profiler can
// choose between the two endpoints.
func (c *Client) GetPricingForASINs(ctx context.Context, asins []string) (map[string]float64, error) {
	if len(asins) > BatchSize {
		return nil, fmt.Errorf("at most %d asins per pricing request", BatchSize)
	}
	if !c.limiter.Wait(ctx, ratelimit.AmazonPricing) {
		return nil, ctx.Err()
	}

	query := url.Values{
		"MarketplaceId": {c.cfg.MarketplaceID},
		"ItemType":      {"Asin"},
	}
	for _, asin := range asins {
		query.Add("Asins", asin)
	}
	var resp struct {
		Payload []struct {
			ASIN    string `json:"ASIN"`
			Product struct {
				CompetitivePricing struct {
					CompetitivePrices []struct {
						Price struct {
							ListingPrice struct {
								Amount float64 `json:"Amount"`
							} `json:"ListingPrice"`
						} `json:"Price"`
					} `json:"CompetitivePrices"`
				} `json:"CompetitivePricing"`
			} `json:"Product"`
		} `json:"payload"`
	}
	if err := c.doJSON(ctx, "GET", "/products/pricing/v0/price", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("get pricing for asins: %w", err)
	}

	out := make(map[string]float64, len(resp.Payload))
	for _, p := range resp.Payload {
		if prices := p.Product.CompetitivePricing.CompetitivePrices; len(prices) > 0 {
			out[p.ASIN] = prices[0].Price.ListingPrice.Amount
		}
	}
	return out, nil
}
