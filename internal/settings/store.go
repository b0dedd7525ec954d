// Package settings persists user-facing viewer settings.
//
// The desired bucket size per coin is the source of truth; the wire-level
// precision parameters are always recomputed from it (see internal/bucket),
// never stored.
package settings

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS viewer_settings (
		coin        TEXT PRIMARY KEY,
		bucket_size TEXT NOT NULL,
		updated_at  INTEGER NOT NULL
	);
`

// Store is a SQLite-backed settings store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the settings database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping settings db: %w", err)
	}

	// WAL keeps readers from blocking the write path.
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create viewer_settings: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BucketSize returns the stored desired bucket size for a coin. The second
// return is false when no setting exists.
func (s *Store) BucketSize(coin string) (decimal.Decimal, bool, error) {
	var raw string
	err := s.db.QueryRow(
		"SELECT bucket_size FROM viewer_settings WHERE coin = ?", coin,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("query bucket size: %w", err)
	}

	size, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse stored bucket size %q: %w", raw, err)
	}
	return size, true, nil
}

// SetBucketSize stores the desired bucket size for a coin, replacing any
// previous value.
func (s *Store) SetBucketSize(coin string, size decimal.Decimal) error {
	_, err := s.db.Exec(`
		INSERT INTO viewer_settings (coin, bucket_size, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(coin) DO UPDATE SET
			bucket_size = excluded.bucket_size,
			updated_at  = excluded.updated_at`,
		coin, size.String(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store bucket size: %w", err)
	}
	return nil
}

// Coins lists every coin with a stored setting.
func (s *Store) Coins() ([]string, error) {
	rows, err := s.db.Query("SELECT coin FROM viewer_settings ORDER BY coin")
	if err != nil {
		return nil, fmt.Errorf("query coins: %w", err)
	}
	defer rows.Close()

	var coins []string
	for rows.Next() {
		var coin string
		if err := rows.Scan(&coin); err != nil {
			return nil, fmt.Errorf("scan coin: %w", err)
		}
		coins = append(coins, coin)
	}
	return coins, rows.Err()
}
