// Package cache persists target model responses in SQLite so reruns and
// resumed runs skip paid invocations. Entries are keyed by a content hash
// covering the method, prompt, model, canonical generation parameters, and
// the engine version. Identical concurrent lookups collapse to one
// invocation via singleflight.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/storage"
	"github.com/aipo-project/aipo/pkg/version"
)

//go:embed migrations
var migrationsFS embed.FS

// VersionPolicy controls whether entries from older engine versions are
// served.
type VersionPolicy string

const (
	// PolicyCurrent serves only entries written by the running engine
	// version. The default.
	PolicyCurrent VersionPolicy = "current"
	// PolicyAll serves any unexpired entry regardless of engine version.
	PolicyAll VersionPolicy = "all"
)

// DefaultTTL applies to method tags without an explicit TTL.
const DefaultTTL = 7 * 24 * time.Hour

// Key derives the cache key: the first 32 hex characters of
// SHA-256(method_tag || prompt || model_id || canonical_params || engine_version).
// Canonical parameters come from the fixed-order JSON encoding of
// InvokeParams, so semantically identical invocations always collide.
func Key(methodTag, prompt string, params models.InvokeParams) string {
	canonical, _ := json.Marshal(params)

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(methodTag),
		[]byte(prompt),
		[]byte(params.Model),
		canonical,
		[]byte(version.Engine),
	} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Options configures a Store.
type Options struct {
	Path   string
	Policy VersionPolicy
	// TTLs maps method tags to entry lifetimes. Unlisted tags use DefaultTTL.
	TTLs map[string]time.Duration
}

// Store is the SQLite-backed response cache.
type Store struct {
	db     *sql.DB
	policy VersionPolicy
	ttls   map[string]time.Duration
	group  singleflight.Group

	now func() time.Time
}

// Open opens the cache database, creating it and applying migrations as
// needed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyCurrent
	}
	db, err := storage.Open(ctx, storage.DefaultConfig(opts.Path), migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	return &Store{
		db:     db,
		policy: opts.Policy,
		ttls:   opts.TTLs,
		now:    time.Now,
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ttlFor(methodTag string) time.Duration {
	if d, ok := s.ttls[methodTag]; ok && d > 0 {
		return d
	}
	return DefaultTTL
}

// Get returns the cached response for key, or (nil, false) on a miss.
// Expired entries and, under PolicyCurrent, entries from other engine
// versions are misses.
func (s *Store) Get(ctx context.Context, key string) (*models.ModelResponse, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT response_json, engine_version, expires_at FROM cache_entries WHERE key = ?`, key)

	var (
		payload   string
		engineVer string
		expiresAt time.Time
	)
	if err := row.Scan(&payload, &engineVer, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	if s.now().After(expiresAt) {
		return nil, false, nil
	}
	if s.policy == PolicyCurrent && engineVer != version.Engine {
		return nil, false, nil
	}

	var resp models.ModelResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		// Corrupt entries are treated as misses and overwritten on Put.
		slog.Warn("Dropping corrupt cache entry", "key", key, "error", err)
		return nil, false, nil
	}
	return &resp, true, nil
}

// Put stores a response under key with the method tag's TTL.
func (s *Store) Put(ctx context.Context, key, methodTag string, resp *models.ModelResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, method_tag, engine_version, response_json, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   method_tag = excluded.method_tag,
		   engine_version = excluded.engine_version,
		   response_json = excluded.response_json,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`,
		key, methodTag, version.Engine, string(payload), now, now.Add(s.ttlFor(methodTag)))
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// GetOrInvoke returns the cached response for key, or runs invoke exactly
// once across concurrent callers with the same key and caches its result.
// The boolean reports whether the response came from cache.
func (s *Store) GetOrInvoke(ctx context.Context, key, methodTag string,
	invoke func(context.Context) (*models.ModelResponse, error)) (*models.ModelResponse, bool, error) {

	if resp, ok, err := s.Get(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		return resp, true, nil
	}

	invoked := false
	v, err, shared := s.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between our miss and acquiring the flight.
		if resp, ok, err := s.Get(ctx, key); err == nil && ok {
			return resp, nil
		}
		invoked = true
		resp, err := invoke(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(ctx, key, methodTag, resp); err != nil {
			slog.Warn("Failed to cache response", "key", key, "error", err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	// Callers that joined another caller's in-flight invocation count as
	// cache hits for accounting: they paid for no provider call.
	hit := shared || !invoked
	return v.(*models.ModelResponse), hit, nil
}

// Purge deletes expired entries and returns the number removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cache purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports entry counts by method tag.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT method_tag, COUNT(*) FROM cache_entries GROUP BY method_tag`)
	if err != nil {
		return nil, fmt.Errorf("cache stats failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			tag string
			n   int
		)
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("cache stats scan failed: %w", err)
		}
		out[tag] = n
	}
	return out, rows.Err()
}
