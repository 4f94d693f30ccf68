package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// PostgresProvider takes session-level advisory locks. Each held lock pins one connection
// until it is released, since advisory locks belong to the session that took them.
type PostgresProvider struct {
	db    *sql.DB
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db, conns: make(map[string]*sql.Conn)}
}

func (p *PostgresProvider) TryAcquire(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[name]; ok {
		return false, nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("pin connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, name).Scan(&locked); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Close()
		return false, nil
	}
	p.conns[name] = conn
	return true, nil
}

func (p *PostgresProvider) Release(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[name]
	if !ok {
		return false, nil
	}
	delete(p.conns, name)

	var unlocked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, name).Scan(&unlocked); err != nil {
		discardConn(conn)
		return true, fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return unlocked, conn.Close()
}

func (p *PostgresProvider) Held(ctx context.Context, name string) (bool, error) {
	var held bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (
  SELECT 1 FROM pg_locks
  WHERE locktype = 'advisory' AND objsubid = 1 AND granted
    AND ((classid::bigint << 32) | objid::bigint) = hashtextextended($1, 0)
)`, name).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("inspect pg_locks: %w", err)
	}
	return held, nil
}

// Close releases every lock still held. A session whose locks cannot be released
// is closed instead of going back to the pool.
func (p *PostgresProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, conn := range p.conns {
		delete(p.conns, name)
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock_all()`); err != nil {
			discardConn(conn)
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
			continue
		}
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// discardConn closes the physical session behind conn. A plain Close would return it
// to the pool with its advisory locks still held.
func discardConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// PostgresAnnotationStore keeps lock holder annotations in a table.
type PostgresAnnotationStore struct {
	pool    sqlutil.Pool
	table   string
	nowFunc func() time.Time
}

func NewPostgresAnnotationStore(pool sqlutil.Pool, table string) *PostgresAnnotationStore {
	return &PostgresAnnotationStore{pool: pool, table: table, nowFunc: time.Now}
}

func (s *PostgresAnnotationStore) withClock(now func() time.Time) {
	if now != nil {
		s.nowFunc = now
	}
}

func (s *PostgresAnnotationStore) Annotate(ctx context.Context, name, holder string) error {
	query := fmt.Sprintf(`INSERT INTO %s (lock_name, locked_by, locked_at) VALUES ($1, $2, $3)
ON CONFLICT (lock_name) DO UPDATE SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at`,
		sqlutil.SanitizeIdentifier(s.table))
	if _, err := s.pool.Exec(ctx, query, name, holder, s.nowFunc().UTC()); err != nil {
		return fmt.Errorf("annotate lock %s: %w", name, err)
	}
	return nil
}

func (s *PostgresAnnotationStore) Holder(ctx context.Context, name string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT locked_by FROM %s WHERE lock_name = $1`, sqlutil.SanitizeIdentifier(s.table))
	var holder string
	err := s.pool.QueryRow(ctx, query, name).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read lock holder %s: %w", name, err)
	}
	return holder, true, nil
}

func (s *PostgresAnnotationStore) Clear(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_name = $1`, sqlutil.SanitizeIdentifier(s.table))
	if _, err := s.pool.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("clear lock holder %s: %w", name, err)
	}
	return nil
}
