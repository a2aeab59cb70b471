// Package store is the encrypted transactional persistence layer: one
// SQL file holding groups, intents, messages, identity updates, and
// cursors, opened through database/sql with the pure-Go
// github.com/ncruces/go-sqlite3 driver and migrated with
// github.com/golang-migrate/migrate/v4's embedded-filesystem source.
//
// No payload is written to the underlying driver in cleartext: every
// row's variable-length payload column is AES-GCM sealed under a key
// derived from the caller-supplied 32-byte database key before the
// statement reaches the driver. Ids, timestamps, kinds, and states stay
// in the clear so they can be queried. Opening with the wrong key is detected
// against a canary row sealed at creation time, rather than surfacing
// as garbage on first real read.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var ephemeralCounter atomic.Uint64

func nextEphemeralID() uint64 {
	return ephemeralCounter.Add(1)
}

// Mode selects where the SQL file lives.
type Mode int

const (
	// Ephemeral keeps the database in memory; the tests use it.
	Ephemeral Mode = iota
	// Persistent opens (or creates) a file on disk.
	Persistent
)

// Store is the single handle through which every component reads and
// writes durable state.
type Store struct {
	db    *sql.DB
	key   []byte
	cache *rowCache
}

// Open opens (creating if necessary) the encrypted store at path in
// the given mode, applies any pending migrations, and validates dbKey
// against the canary row. dbKey must be exactly 32 bytes.
func Open(ctx context.Context, mode Mode, path string, dbKey []byte) (*Store, error) {
	if len(dbKey) != crypto.AESKeySize {
		return nil, xerrors.New(xerrors.KindFatal, "store: database key must be 32 bytes")
	}
	dsn := path
	if mode == Ephemeral {
		// Each ephemeral store gets its own named in-memory database;
		// without a unique name, sqlite's shared cache would let
		// unrelated Open calls in the same process see each other's rows.
		dsn = fmt.Sprintf("file:mlsclient-ephemeral-%d?mode=memory&cache=shared", nextEphemeralID())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "open sqlite database", err)
	}
	// sqlite permits only one writer; serialize through a single
	// connection so transactions run one at a time and never collide.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.KindFatal, "apply migrations", err)
	}

	s := &Store{
		db:    db,
		key:   append([]byte(nil), dbKey...),
		cache: newRowCache(5 * time.Minute),
	}
	if err := s.checkOrWriteCanary(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) checkOrWriteCanary(ctx context.Context) error {
	const canaryPlaintext = "mlsclient-store-canary"
	envelopeKey := crypto.DeriveEnvelopeKey(s.key, "canary")

	var nonce, sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT nonce, sealed FROM canary WHERE id = 1`).Scan(&nonce, &sealed)
	if err == sql.ErrNoRows {
		nonce, sealed, err := crypto.AESGCMEncrypt(envelopeKey, []byte(canaryPlaintext))
		if err != nil {
			return xerrors.Wrap(xerrors.KindFatal, "seal canary row", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO canary (id, nonce, sealed) VALUES (1, ?, ?)`, nonce, sealed); err != nil {
			return xerrors.Wrap(xerrors.KindFatal, "write canary row", err)
		}
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "read canary row", err)
	}

	plain, err := crypto.AESGCMDecrypt(envelopeKey, nonce, sealed)
	if err != nil || string(plain) != canaryPlaintext {
		return xerrors.ErrDbInit
	}
	return nil
}

// dbtx is the subset of *sql.DB and *sql.Tx that a row method needs.
// Every Store write method below is implemented once against dbtx and
// exposed twice: a `Foo` entry point that runs standalone against
// s.db, and a `FooTx` entry point that runs against a caller-supplied
// transaction, so group-state writes, message inserts, intent
// transitions, and cursor advances can be composed into one atomic
// unit via WithTransaction instead of landing as independent commits.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithTransaction runs fn inside a single SQL transaction and commits
// only if fn returns nil, so MLS group-state writes and application
// table writes (cursor advance, message insert, intent transition)
// land atomically or not at all.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLError(err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLError(err)
	}
	return nil
}

// CursorKind distinguishes which monotonic sequence an (entity_id,
// cursor) row tracks.
type CursorKind int

const (
	CursorGroup CursorKind = iota
	CursorWelcome
	CursorIdentityUpdate
)

// UpdateCursor sets entityID's cursor to newValue only if newValue is
// strictly greater than the currently stored value, returning whether
// it updated. This is the sole concurrency fence against reprocessing
// an already-seen envelope. It runs in its own transaction; callers
// that need the cursor advance to land atomically with the write that
// earned it (G2) should use UpdateCursorTx inside a shared
// WithTransaction instead.
func (s *Store) UpdateCursor(ctx context.Context, entityID string, kind CursorKind, newValue uint64) (bool, error) {
	var updated bool
	err := s.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		updated, err = updateCursor(ctx, tx, entityID, kind, newValue)
		return err
	})
	return updated, err
}

// UpdateCursorTx is UpdateCursor run against a transaction the caller
// already holds open, so the cursor advance commits atomically with
// whatever else that transaction does.
func (s *Store) UpdateCursorTx(ctx context.Context, tx *sql.Tx, entityID string, kind CursorKind, newValue uint64) (bool, error) {
	return updateCursor(ctx, tx, entityID, kind, newValue)
}

func updateCursor(ctx context.Context, x dbtx, entityID string, kind CursorKind, newValue uint64) (bool, error) {
	current, err := queryCursor(ctx, x, entityID, kind)
	if err != nil {
		return false, err
	}
	if newValue <= current {
		return false, nil
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO refresh_state (entity_id, entity_kind, cursor) VALUES (?, ?, ?)
		ON CONFLICT(entity_id, entity_kind) DO UPDATE SET cursor = excluded.cursor`,
		entityID, int(kind), newValue)
	if err != nil {
		return false, classifySQLError(err)
	}
	return true, nil
}

// GetCursor returns entityID's current cursor value, or 0 if none has
// been recorded yet.
func (s *Store) GetCursor(ctx context.Context, entityID string, kind CursorKind) (uint64, error) {
	var current uint64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM refresh_state WHERE entity_id = ? AND entity_kind = ?`, entityID, int(kind)).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classifySQLError(err)
	}
	return current, nil
}

func queryCursor(ctx context.Context, x dbtx, entityID string, kind CursorKind) (uint64, error) {
	var current uint64
	err := x.QueryRowContext(ctx, `SELECT cursor FROM refresh_state WHERE entity_id = ? AND entity_kind = ?`, entityID, int(kind)).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classifySQLError(err)
	}
	return current, nil
}

// rowCache is a thin, keyed TTL cache over hot read paths (group
// lookups are on every inbound-envelope hot path); a row is evicted by
// key on every write so a cache hit never returns stale state.
type rowCache struct {
	c *gocache.Cache
}

func newRowCache(ttl time.Duration) *rowCache {
	return &rowCache{c: gocache.New(ttl, 2*ttl)}
}
