package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Product is one canonical row per ASIN.
type Product struct {
	ASIN           string  `db:"asin"`
	Title          string  `db:"title"`
	TitleEN        *string `db:"title_en"`
	Description    string  `db:"description"`
	Brand          string  `db:"brand"`
	CategoryPath   string  `db:"category_path"`
	ImageURLsJSON  string  `db:"image_urls"`
	AmazonPriceJPY int64   `db:"amazon_price_jpy"`
	AmazonInStock  bool    `db:"amazon_in_stock"`
	FetchedAt      *string `db:"fetched_at"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

// ImageURLs decodes the stored image sequence.
func (p *Product) ImageURLs() []string {
	var urls []string
	json.Unmarshal([]byte(p.ImageURLsJSON), &urls)
	return urls
}

// ProductUpdate is a partial product write. Nil fields keep the stored
// value; a non-nil field replaces it (after keyword cleaning for text).
type ProductUpdate struct {
	ASIN         string
	Title        *string
	TitleEN      *string
	Description  *string
	Brand        *string
	CategoryPath *string
	ImageURLs    []string // nil keeps stored sequence
	PriceJPY     *int64
	InStock      *bool
}

// UpsertProduct inserts or merges a product row. The merge never clobbers a
// stored value with null: any nil attribute is replaced by the current
// stored value before the write.
func (s *Store) UpsertProduct(u ProductUpdate) error {
	if u.ASIN == "" {
		return errors.New("asin required")
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		var cur Product
		err := tx.Get(&cur, `SELECT * FROM products WHERE asin = ?`, u.ASIN)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := Now()
		if !exists {
			cur = Product{ASIN: u.ASIN, ImageURLsJSON: "[]", CreatedAt: now}
		}

		if u.Title != nil {
			cur.Title = s.filter.Clean(*u.Title)
		}
		if u.TitleEN != nil {
			clean := s.filter.Clean(*u.TitleEN)
			cur.TitleEN = &clean
		}
		if u.Description != nil {
			cur.Description = s.filter.Clean(*u.Description)
		}
		if u.Brand != nil {
			cur.Brand = *u.Brand
		}
		if u.CategoryPath != nil {
			cur.CategoryPath = *u.CategoryPath
		}
		if u.ImageURLs != nil {
			raw, err := json.Marshal(u.ImageURLs)
			if err != nil {
				return err
			}
			cur.ImageURLsJSON = string(raw)
		}
		if u.PriceJPY != nil {
			cur.AmazonPriceJPY = *u.PriceJPY
			cur.FetchedAt = &now
		}
		if u.InStock != nil {
			cur.AmazonInStock = *u.InStock
			cur.FetchedAt = &now
		}
		cur.UpdatedAt = now

		_, err = tx.Exec(`
			INSERT INTO products (asin, title, title_en, description, brand, category_path,
			                      image_urls, amazon_price_jpy, amazon_in_stock, fetched_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(asin) DO UPDATE SET
				title            = excluded.title,
				title_en         = excluded.title_en,
				description      = excluded.description,
				brand            = excluded.brand,
				category_path    = excluded.category_path,
				image_urls       = excluded.image_urls,
				amazon_price_jpy = excluded.amazon_price_jpy,
				amazon_in_stock  = excluded.amazon_in_stock,
				fetched_at       = excluded.fetched_at,
				updated_at       = excluded.updated_at`,
			cur.ASIN, cur.Title, cur.TitleEN, cur.Description, cur.Brand, cur.CategoryPath,
			cur.ImageURLsJSON, cur.AmazonPriceJPY, cur.AmazonInStock, cur.FetchedAt, cur.CreatedAt, cur.UpdatedAt,
		)
		return err
	})
}

// GetProduct returns the product row, or nil when absent.
func (s *Store) GetProduct(asin string) (*Product, error) {
	var p Product
	err := s.db.Get(&p, `SELECT * FROM products WHERE asin = ?`, asin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", asin, err)
	}
	return &p, nil
}

// SetAmazonPrice records the latest Amazon price and stock state for an ASIN.
func (s *Store) SetAmazonPrice(asin string, priceJPY int64, inStock bool) error {
	now := Now()
	_, err := s.db.Exec(`
		UPDATE products SET amazon_price_jpy = ?, amazon_in_stock = ?, fetched_at = ?, updated_at = ?
		WHERE asin = ?`,
		priceJPY, inStock, now, now, asin)
	return err
}

// MarkOutOfStock flips amazon_in_stock to false while preserving the last
// known price, so downstream markup math keeps a real base price.
func (s *Store) MarkOutOfStock(asin string) error {
	now := Now()
	_, err := s.db.Exec(`
		UPDATE products SET amazon_in_stock = 0, fetched_at = ?, updated_at = ?
		WHERE asin = ?`,
		now, now, asin)
	return err
}

// ActiveASINs returns the distinct ASINs that have at least one listed
// listing across all platforms, in insertion order.
func (s *Store) ActiveASINs() ([]string, error) {
	var asins []string
	err := s.db.Select(&asins, `
		SELECT DISTINCT asin FROM listings WHERE status = ? ORDER BY id`, StatusListed)
	if err != nil {
		return nil, fmt.Errorf("active asins: %w", err)
	}
	return asins, nil
}
