package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path string

	// SweepInterval is how often expired keys are purged in the background.
	SweepInterval time.Duration

	// Now overrides the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	interval time.Duration
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &SQLiteStore{
		path:     cfg.Path,
		interval: cfg.SweepInterval,
		now:      cfg.Now,
	}, nil
}

// Init opens the database in WAL mode and starts the expiry janitor.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.janitor()
	return nil
}

// Migrate applies the embedded schema migrations. SQLite allows one writer,
// so the pool is narrowed to a single connection afterwards.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db.SetMaxOpenConns(1)
	return nil
}

// Close stops the janitor and closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Sweep(context.Background())
		}
	}
}

// Sweep deletes every key whose expiry has passed.
func (s *SQLiteStore) Sweep(ctx context.Context) error {
	cutoff := s.now().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"set_members", "hash_fields", "string_values"} {
			q := fmt.Sprintf(`DELETE FROM %s WHERE key IN (SELECT key FROM key_expiry WHERE expires_at <= ?)`, table)
			if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
				return fmt.Errorf("failed to sweep %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM key_expiry WHERE expires_at <= ?`, cutoff)
		return err
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// purgeExpired drops key if its expiry has passed, so reads never see stale data
// between janitor runs.
func (s *SQLiteStore) purgeExpired(ctx context.Context, q querier, keys ...string) error {
	for _, key := range keys {
		var expiresAt int64
		err := q.QueryRowContext(ctx, `SELECT expires_at FROM key_expiry WHERE key = ?`, key).Scan(&expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read expiry for %s: %w", key, err)
		}
		if expiresAt > s.now().UnixMilli() {
			continue
		}
		if err := deleteKey(ctx, q, key); err != nil {
			return err
		}
	}
	return nil
}

func deleteKey(ctx context.Context, q querier, key string) error {
	for _, table := range []string{"set_members", "hash_fields", "string_values", "key_expiry"} {
		if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key); err != nil {
			return fmt.Errorf("failed to delete %s from %s: %w", key, table, err)
		}
	}
	return nil
}

// SAdd implements Store.
func (s *SQLiteStore) SAdd(ctx context.Context, key, member string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO set_members (key, member) VALUES (?, ?)`, key, member)
		return err
	})
}

// SRem implements Store.
func (s *SQLiteStore) SRem(ctx context.Context, key, member string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM set_members WHERE key = ? AND member = ?`, key, member)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// SMove implements Store in a single transaction.
func (s *SQLiteStore) SMove(ctx context.Context, src, dst, member string) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, src, dst); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM set_members WHERE key = ? AND member = ?`, src, member)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO set_members (key, member) VALUES (?, ?)`, dst, member); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// SIsMember implements Store.
func (s *SQLiteStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM set_members WHERE key = ? AND member = ?)`, key, member).Scan(&found)
	})
	return found, err
}

// SMembers implements Store.
func (s *SQLiteStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT member FROM set_members WHERE key = ?`, key)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				return err
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	return members, err
}

// SCard implements Store.
func (s *SQLiteStore) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM set_members WHERE key = ?`, key).Scan(&n)
	})
	return n, err
}

// SPop implements Store.
func (s *SQLiteStore) SPop(ctx context.Context, key string) (string, bool, error) {
	var (
		member string
		found  bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT member FROM set_members WHERE key = ? ORDER BY RANDOM() LIMIT 1`, key).Scan(&member)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		_, err = tx.ExecContext(ctx, `DELETE FROM set_members WHERE key = ? AND member = ?`, key, member)
		return err
	})
	return member, found, err
}

// HGet implements Store.
func (s *SQLiteStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM hash_fields WHERE key = ? AND field = ?`, key, field).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	})
	return value, found, err
}

// HSet implements Store.
func (s *SQLiteStore) HSet(ctx context.Context, key, field, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hash_fields (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT (key, field) DO UPDATE SET value = excluded.value
		`, key, field, value)
		return err
	})
}

// HDel implements Store.
func (s *SQLiteStore) HDel(ctx context.Context, key, field string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM hash_fields WHERE key = ? AND field = ?`, key, field)
		return err
	})
}

// HGetAll implements Store.
func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT field, value FROM hash_fields WHERE key = ?`, key)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var f, v string
			if err := rows.Scan(&f, &v); err != nil {
				return err
			}
			out[f] = v
		}
		return rows.Err()
	})
	return out, err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM string_values WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	})
	return value, found, err
}

// Set implements Store. Like redis SET it clears any pending expiry.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO string_values (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM key_expiry WHERE key = ?`, key)
		return err
	})
}

// Incr implements Store.
func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.incrBy(ctx, tx, key, 1)
		return err
	})
	return n, err
}

// Decr implements Store.
func (s *SQLiteStore) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.incrBy(ctx, tx, key, -1)
		return err
	})
	return n, err
}

// IncrIfBelow implements Store.
func (s *SQLiteStore) IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	var (
		n  int64
		ok bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.counter(ctx, tx, key)
		if err != nil {
			return err
		}
		if current >= limit {
			n = current
			return nil
		}
		n, err = s.incrBy(ctx, tx, key, 1)
		ok = err == nil
		return err
	})
	return n, ok, err
}

func (s *SQLiteStore) counter(ctx context.Context, q querier, key string) (int64, error) {
	if err := s.purgeExpired(ctx, q, key); err != nil {
		return 0, err
	}
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM string_values WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	return n, nil
}

func (s *SQLiteStore) incrBy(ctx context.Context, q querier, key string, delta int64) (int64, error) {
	current, err := s.counter(ctx, q, key)
	if err != nil {
		return 0, err
	}
	next := current + delta
	_, err = q.ExecContext(ctx, `
		INSERT INTO string_values (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Del implements Store.
func (s *SQLiteStore) Del(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteKey(ctx, tx, key)
	})
}

// Expire implements Store. Like redis, expiring a missing key is a no-op.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM set_members WHERE key = ?)
			    OR EXISTS (SELECT 1 FROM hash_fields WHERE key = ?)
			    OR EXISTS (SELECT 1 FROM string_values WHERE key = ?)
		`, key, key, key).Scan(&exists)
		if err != nil || !exists {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO key_expiry (key, expires_at) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at
		`, key, s.now().Add(ttl).UnixMilli())
		return err
	})
}
