// Package cache is a content-addressed store for expensive extraction and
// OCR results. Two independently bounded partitions share one SQLite
// database: file-level entries (whole-input extraction) and page-level
// entries (per-page OCR). A hit means the external tool is not invoked at
// all; a miss only costs recomputation.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fileforge/internal/models"
	"fileforge/internal/telemetry"
)

// Kind selects a cache partition.
type Kind string

const (
	KindFile Kind = "file"
	KindPage Kind = "page"
)

// FileEntry is a cached whole-input extraction result.
type FileEntry struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PageEntry is a cached per-page OCR result.
type PageEntry struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ErrMiss reports a fingerprint with no stored entry.
var ErrMiss = errors.New("cache miss")

// Cache is safe for concurrent lookups and stores. Writes for the same
// fingerprint are idempotent: identical input bytes produce semantically
// equivalent values, so last write wins.
type Cache struct {
	mu         sync.Mutex
	db         *sql.DB
	maxEntries map[Kind]int
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	kind TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_entries_accessed ON entries(kind, accessed_at);
`

// Open creates (if necessary) the cache database at path with the given
// per-kind entry bounds.
func Open(ctx context.Context, path string, maxFileEntries, maxPageEntries int) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Cache{
		db: db,
		maxEntries: map[Kind]int{
			KindFile: maxFileEntries,
			KindPage: maxPageEntries,
		},
	}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// LookupFile returns the cached extraction result for a file fingerprint.
func (c *Cache) LookupFile(ctx context.Context, fingerprint string) (FileEntry, error) {
	var entry FileEntry
	if err := c.lookup(ctx, KindFile, fingerprint, &entry); err != nil {
		return FileEntry{}, err
	}
	return entry, nil
}

// StoreFile records an extraction result under a file fingerprint.
func (c *Cache) StoreFile(ctx context.Context, fingerprint string, entry FileEntry) error {
	return c.store(ctx, KindFile, fingerprint, entry)
}

// LookupPage returns the cached OCR result for a page-image fingerprint.
func (c *Cache) LookupPage(ctx context.Context, fingerprint string) (PageEntry, error) {
	var entry PageEntry
	if err := c.lookup(ctx, KindPage, fingerprint, &entry); err != nil {
		return PageEntry{}, err
	}
	return entry, nil
}

// StorePage records an OCR result under a page-image fingerprint.
func (c *Cache) StorePage(ctx context.Context, fingerprint string, entry PageEntry) error {
	return c.store(ctx, KindPage, fingerprint, entry)
}

// Count returns the number of entries in one partition.
func (c *Cache) Count(ctx context.Context, kind Kind) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (c *Cache) lookup(ctx context.Context, kind Kind, fingerprint string, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var value string
	err := c.db.QueryRowContext(ctx, `
		SELECT value FROM entries WHERE kind = ? AND fingerprint = ?
	`, string(kind), fingerprint).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		telemetry.CacheMisses.WithLabelValues(string(kind)).Inc()
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("lookup entry: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE entries SET accessed_at = ?, hit_count = hit_count + 1
		WHERE kind = ? AND fingerprint = ?
	`, time.Now().UTC().UnixNano(), string(kind), fingerprint)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return fmt.Errorf("unmarshal entry: %w", err)
	}
	telemetry.CacheHits.WithLabelValues(string(kind)).Inc()
	return nil
}

func (c *Cache) store(ctx context.Context, kind Kind, fingerprint string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC().UnixNano()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO entries (kind, fingerprint, value, created_at, accessed_at, hit_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (kind, fingerprint) DO UPDATE SET value = excluded.value, accessed_at = excluded.accessed_at
	`, string(kind), fingerprint, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return c.evict(ctx, kind)
}

// evict trims a partition to its bound, least recently used first.
func (c *Cache) evict(ctx context.Context, kind Kind) error {
	max := c.maxEntries[kind]
	if max <= 0 {
		return nil
	}
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE kind = ?`, string(kind)).Scan(&count); err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	if count <= max {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM entries WHERE kind = ? AND fingerprint IN (
			SELECT fingerprint FROM entries WHERE kind = ?
			ORDER BY accessed_at ASC LIMIT ?
		)
	`, string(kind), string(kind), count-max)
	if err != nil {
		return fmt.Errorf("evict entries: %w", err)
	}
	return nil
}

// FingerprintBytes returns the hex SHA-256 digest of b.
func FingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FingerprintFile hashes a file's contents in chunks.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for fingerprint: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OptionsFingerprint folds the option knobs that change tool output into
// a short stable suffix, so the same bytes processed with different
// settings occupy distinct cache slots.
func OptionsFingerprint(opts models.Options) string {
	canonical := fmt.Sprintf("mode=%s|lang=%s|dpi=%d", opts.Mode, opts.Lang, opts.DPI)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// Key joins a content fingerprint with an options fingerprint.
func Key(contentFP, optionsFP string) string {
	return contentFP + ":" + optionsFP
}
