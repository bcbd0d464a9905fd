package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Listing is one (asin, platform, account) attempt to sell a product.
type Listing struct {
	ID             int64   `db:"id"`
	ASIN           string  `db:"asin"`
	Platform       string  `db:"platform"`
	AccountID      string  `db:"account_id"`
	PlatformItemID *string `db:"platform_item_id"`
	SKU            *string `db:"sku"`
	SellingPrice   int64   `db:"selling_price"`
	Currency       string  `db:"currency"`
	Quantity       int     `db:"in_stock_quantity"`
	Status         string  `db:"status"`
	Visibility     string  `db:"visibility"`
	ListedAt       *string `db:"listed_at"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

// ListingRow is a listing joined with the canonical Amazon state of its
// product, as consumed by Phase 2 reconciliation.
type ListingRow struct {
	Listing
	AmazonPriceJPY int64 `db:"amazon_price_jpy"`
	AmazonInStock  bool  `db:"amazon_in_stock"`
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertListing creates a listing row. A UNIQUE violation on the
// (asin, platform, account_id) triple is treated as idempotent success and
// returns the existing row's id with created=false.
func (s *Store) InsertListing(l Listing) (id int64, created bool, err error) {
	if l.Status == "" {
		l.Status = StatusPending
	}
	if l.Visibility == "" {
		l.Visibility = VisibilityPublic
	}
	if l.Currency == "" {
		l.Currency = "JPY"
	}
	now := Now()

	res, err := s.db.Exec(`
		INSERT INTO listings (asin, platform, account_id, platform_item_id, sku, selling_price,
		                      currency, in_stock_quantity, status, visibility, listed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ASIN, l.Platform, l.AccountID, l.PlatformItemID, l.SKU, l.SellingPrice,
		l.Currency, l.Quantity, l.Status, l.Visibility, l.ListedAt, now, now)
	if isUniqueViolation(err) {
		existing, gerr := s.GetListing(l.ASIN, l.Platform, l.AccountID)
		if gerr != nil || existing == nil {
			return 0, false, fmt.Errorf("insert listing %s/%s/%s: %w", l.ASIN, l.Platform, l.AccountID, err)
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert listing %s/%s/%s: %w", l.ASIN, l.Platform, l.AccountID, err)
	}
	id, err = res.LastInsertId()
	return id, true, err
}

// GetListing returns the listing for the unique triple, or nil when absent.
func (s *Store) GetListing(asin, platform, accountID string) (*Listing, error) {
	var l Listing
	err := s.db.Get(&l, `
		SELECT * FROM listings WHERE asin = ? AND platform = ? AND account_id = ?`,
		asin, platform, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetListingByID returns a listing by internal id, or nil when absent.
func (s *Store) GetListingByID(id int64) (*Listing, error) {
	var l Listing
	err := s.db.Get(&l, `SELECT * FROM listings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetListingBySKU returns the listing carrying the given SKU, or nil.
func (s *Store) GetListingBySKU(sku string) (*Listing, error) {
	var l Listing
	err := s.db.Get(&l, `SELECT * FROM listings WHERE sku = ?`, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListedRows returns the listed listings for a platform joined with the
// canonical Amazon price and stock state of their products.
func (s *Store) ListedRows(platform string) ([]ListingRow, error) {
	var rows []ListingRow
	err := s.db.Select(&rows, `
		SELECT l.*, p.amazon_price_jpy, p.amazon_in_stock
		  FROM listings l
		  JOIN products p ON p.asin = l.asin
		 WHERE l.platform = ? AND l.status = ?
		 ORDER BY l.id`, platform, StatusListed)
	if err != nil {
		return nil, fmt.Errorf("listed rows for %s: %w", platform, err)
	}
	return rows, nil
}

// UpdateListingPrice writes a new selling price.
func (s *Store) UpdateListingPrice(id int64, price int64) error {
	_, err := s.db.Exec(`UPDATE listings SET selling_price = ?, updated_at = ? WHERE id = ?`,
		price, Now(), id)
	return err
}

// SetListingVisibility toggles a listing between public and hidden.
func (s *Store) SetListingVisibility(id int64, visibility string) error {
	if visibility != VisibilityPublic && visibility != VisibilityHidden {
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	_, err := s.db.Exec(`UPDATE listings SET visibility = ?, updated_at = ? WHERE id = ?`,
		visibility, Now(), id)
	return err
}

// SetListingQuantity writes the platform-side stock quantity mirror.
func (s *Store) SetListingQuantity(id int64, qty int) error {
	_, err := s.db.Exec(`UPDATE listings SET in_stock_quantity = ?, updated_at = ? WHERE id = ?`,
		qty, Now(), id)
	return err
}

// SetListingStatus moves a listing through its lifecycle.
func (s *Store) SetListingStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE listings SET status = ?, updated_at = ? WHERE id = ?`,
		status, Now(), id)
	return err
}

// MarkListed advances a listing to listed with the marketplace-side id.
// The listed invariant requires a non-empty platform item id.
func (s *Store) MarkListed(id int64, platformItemID string) error {
	if platformItemID == "" {
		return errors.New("platform_item_id required to mark listed")
	}
	now := Now()
	_, err := s.db.Exec(`
		UPDATE listings SET status = ?, platform_item_id = ?, listed_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusListed, platformItemID, now, now, id)
	return err
}
