// Package store is the canonical single-writer SQLite store for products,
// listings, the upload queue, platform metadata and price history.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"cross-lister/internal/keywords"
)

// Listing statuses.
const (
	StatusPending  = "pending"
	StatusQueued   = "queued"
	StatusListed   = "listed"
	StatusSold     = "sold"
	StatusDelisted = "delisted"
	StatusDeleted  = "deleted"
)

// Listing visibility.
const (
	VisibilityPublic = "public"
	VisibilityHidden = "hidden"
)

// Upload queue statuses.
const (
	QueuePending   = "pending"
	QueueUploading = "uploading"
	QueueSuccess   = "success"
	QueueFailed    = "failed"
)

// Store wraps the SQLite database. Every mutating operation runs inside a
// transaction that commits on return and rolls back on error.
type Store struct {
	db     *sqlx.DB
	filter keywords.Filter
	log    *zap.Logger
}

// Open opens (or creates) the database at path and runs migrations. Product
// text fields are passed through filter before persistence.
func Open(path string, filter keywords.Filter, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if filter == nil {
		filter = keywords.Noop{}
	}
	s := &Store{db: db, filter: filter, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	log.Info("store opened", zap.String("path", path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Now is the canonical timestamp format for every stored time column.
// RFC3339 UTC strings sort lexicographically, which the queue claim relies on.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS products (
				asin             TEXT PRIMARY KEY,
				title            TEXT NOT NULL DEFAULT '',
				title_en         TEXT,
				description      TEXT NOT NULL DEFAULT '',
				brand            TEXT NOT NULL DEFAULT '',
				category_path    TEXT NOT NULL DEFAULT '',
				image_urls       TEXT NOT NULL DEFAULT '[]',
				amazon_price_jpy INTEGER NOT NULL DEFAULT 0,
				amazon_in_stock  INTEGER NOT NULL DEFAULT 0,
				fetched_at       TEXT,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS listings (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				asin             TEXT NOT NULL,
				platform         TEXT NOT NULL,
				account_id       TEXT NOT NULL,
				platform_item_id TEXT,
				sku              TEXT,
				selling_price    INTEGER NOT NULL DEFAULT 0,
				currency         TEXT NOT NULL DEFAULT 'JPY',
				in_stock_quantity INTEGER NOT NULL DEFAULT 0,
				status           TEXT NOT NULL DEFAULT 'pending',
				visibility       TEXT NOT NULL DEFAULT 'public',
				listed_at        TEXT,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL,
				UNIQUE(asin, platform, account_id)
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_sku ON listings(sku) WHERE sku IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_listings_platform_status ON listings(platform, status);

			CREATE TABLE IF NOT EXISTS upload_queue (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				asin           TEXT NOT NULL,
				platform       TEXT NOT NULL,
				account_id     TEXT NOT NULL,
				scheduled_time TEXT NOT NULL,
				priority       INTEGER NOT NULL DEFAULT 0,
				status         TEXT NOT NULL DEFAULT 'pending',
				retry_count    INTEGER NOT NULL DEFAULT 0,
				error_message  TEXT,
				created_at     TEXT NOT NULL,
				processed_at   TEXT
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_triple ON upload_queue(asin, platform, account_id);
			CREATE INDEX IF NOT EXISTS idx_queue_claim ON upload_queue(platform, status, scheduled_time);

			CREATE TABLE IF NOT EXISTS platform_metadata (
				platform              TEXT NOT NULL,
				sku                   TEXT NOT NULL,
				offer_id              TEXT NOT NULL DEFAULT '',
				listing_id            TEXT NOT NULL DEFAULT '',
				category_id           TEXT NOT NULL DEFAULT '',
				payment_policy_id     TEXT NOT NULL DEFAULT '',
				return_policy_id      TEXT NOT NULL DEFAULT '',
				fulfillment_policy_id TEXT NOT NULL DEFAULT '',
				merchant_location_key TEXT NOT NULL DEFAULT '',
				item_specifics        TEXT NOT NULL DEFAULT '{}',
				updated_at            TEXT NOT NULL,
				PRIMARY KEY (platform, sku)
			);

			CREATE TABLE IF NOT EXISTS price_history (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				asin       TEXT NOT NULL,
				platform   TEXT NOT NULL,
				account_id TEXT NOT NULL,
				old_price  INTEGER NOT NULL,
				new_price  INTEGER NOT NULL,
				currency   TEXT NOT NULL,
				changed_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_price_history_key ON price_history(asin, platform, account_id, changed_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.log.Info("applied migration v1")
	}

	return nil
}
