package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PlatformMetadata is the platform-specific sidecar keyed by (platform, sku).
// For eBay it carries the offer/listing ids, policies and location key.
type PlatformMetadata struct {
	Platform            string `db:"platform"`
	SKU                 string `db:"sku"`
	OfferID             string `db:"offer_id"`
	ListingID           string `db:"listing_id"`
	CategoryID          string `db:"category_id"`
	PaymentPolicyID     string `db:"payment_policy_id"`
	ReturnPolicyID      string `db:"return_policy_id"`
	FulfillmentPolicyID string `db:"fulfillment_policy_id"`
	MerchantLocationKey string `db:"merchant_location_key"`
	ItemSpecificsJSON   string `db:"item_specifics"`
	UpdatedAt           string `db:"updated_at"`
}

// UpsertPlatformMetadata writes or refreshes the sidecar row.
func (s *Store) UpsertPlatformMetadata(m PlatformMetadata) error {
	if m.ItemSpecificsJSON == "" {
		m.ItemSpecificsJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO platform_metadata (platform, sku, offer_id, listing_id, category_id,
		                               payment_policy_id, return_policy_id, fulfillment_policy_id,
		                               merchant_location_key, item_specifics, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, sku) DO UPDATE SET
			offer_id              = excluded.offer_id,
			listing_id            = excluded.listing_id,
			category_id           = excluded.category_id,
			payment_policy_id     = excluded.payment_policy_id,
			return_policy_id      = excluded.return_policy_id,
			fulfillment_policy_id = excluded.fulfillment_policy_id,
			merchant_location_key = excluded.merchant_location_key,
			item_specifics        = excluded.item_specifics,
			updated_at            = excluded.updated_at`,
		m.Platform, m.SKU, m.OfferID, m.ListingID, m.CategoryID,
		m.PaymentPolicyID, m.ReturnPolicyID, m.FulfillmentPolicyID,
		m.MerchantLocationKey, m.ItemSpecificsJSON, Now())
	if err != nil {
		return fmt.Errorf("upsert metadata %s/%s: %w", m.Platform, m.SKU, err)
	}
	return nil
}

// GetPlatformMetadata returns the sidecar row, or nil when absent.
func (s *Store) GetPlatformMetadata(platform, sku string) (*PlatformMetadata, error) {
	var m PlatformMetadata
	err := s.db.Get(&m, `SELECT * FROM platform_metadata WHERE platform = ? AND sku = ?`, platform, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PriceChange is one append-only audit row per price change.
type PriceChange struct {
	ID        int64  `db:"id"`
	ASIN      string `db:"asin"`
	Platform  string `db:"platform"`
	AccountID string `db:"account_id"`
	OldPrice  int64  `db:"old_price"`
	NewPrice  int64  `db:"new_price"`
	Currency  string `db:"currency"`
	ChangedAt string `db:"changed_at"`
}

// AppendPriceHistory records one price change.
func (s *Store) AppendPriceHistory(asin, platform, accountID string, oldPrice, newPrice int64, currency string) error {
	_, err := s.db.Exec(`
		INSERT INTO price_history (asin, platform, account_id, old_price, new_price, currency, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		asin, platform, accountID, oldPrice, newPrice, currency, Now())
	return err
}

// PriceHistory returns the most recent price changes for a listing triple.
func (s *Store) PriceHistory(asin, platform, accountID string, limit int) ([]PriceChange, error) {
	var rows []PriceChange
	err := s.db.Select(&rows, `
		SELECT * FROM price_history
		 WHERE asin = ? AND platform = ? AND account_id = ?
		 ORDER BY changed_at DESC, id DESC
		 LIMIT ?`, asin, platform, accountID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
