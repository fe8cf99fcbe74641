package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Binary is a byte blob identified by its SHA-256. The row records
// existence; the bytes themselves live in the binary cache while at least
// one analysis still needs them.
type Binary struct {
	ID        int64  `db:"id"`
	SHA256    string `db:"sha256"`
	Available bool   `db:"available"`
}

// DataKey is the cache key holding the bytes of the binary with the given
// hash.
func DataKey(sha256 string) string {
	return "/binaries/" + sha256
}

// CountKey is the cache key holding the analysis refcount of the binary
// with the given hash.
func CountKey(sha256 string) string {
	return DataKey(sha256) + "/refcount"
}

// DataKey is the cache key holding the binary's bytes.
func (b *Binary) DataKey() string {
	return DataKey(b.SHA256)
}

// CountKey is the cache key holding the binary's analysis refcount.
func (b *Binary) CountKey() string {
	return CountKey(b.SHA256)
}

// BinaryBySHA256 returns the binary with the given hash, or nil if none
// exists.
func (s *Store) BinaryBySHA256(ctx context.Context, sha256 string) (*Binary, error) {
	var b Binary
	err := s.db.GetContext(ctx, &b,
		`SELECT id, sha256, available FROM binaries WHERE sha256 = $1`, sha256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: binary %s: %w", sha256, err)
	}
	return &b, nil
}

// SetBinaryAvailable upserts the binary row and sets its availability.
// Concurrent upserts for the same hash are safe: the unique constraint plus
// ON CONFLICT guarantees a single row per hash.
func (s *Store) SetBinaryAvailable(ctx context.Context, sha256 string, available bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO binaries (sha256, available) VALUES ($1, $2)
		 ON CONFLICT (sha256) DO UPDATE SET available = EXCLUDED.available`,
		sha256, available)
	if err != nil {
		return fmt.Errorf("store: set binary %s available=%t: %w", sha256, available, err)
	}
	return nil
}

// FilterAvailable returns the subset of hashes that are NOT currently
// available, i.e. the ones that still need retrieval. Order is preserved
// from the input; duplicates in the input collapse to one entry.
func (s *Store) FilterAvailable(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	var available []string
	err := s.db.SelectContext(ctx, &available,
		`SELECT sha256 FROM binaries WHERE sha256 = ANY($1) AND available`,
		pq.Array(hashes))
	if err != nil {
		return nil, fmt.Errorf("store: filter available: %w", err)
	}

	availSet := make(map[string]struct{}, len(available))
	for _, h := range available {
		availSet[h] = struct{}{}
	}

	seen := make(map[string]struct{}, len(hashes))
	remaining := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := availSet[h]; ok {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		remaining = append(remaining, h)
	}
	return remaining, nil
}

// ListHashes returns every known binary hash.
func (s *Store) ListHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := s.db.SelectContext(ctx, &hashes,
		`SELECT sha256 FROM binaries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list hashes: %w", err)
	}
	return hashes, nil
}
