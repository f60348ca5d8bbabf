package runlock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLock uses a session-level advisory lock. The lock lives as long
// as the connection, which is held until Unlock.
type PostgresLock struct {
	pool *pgxpool.Pool
	name string
	key  int64
	conn *pgxpool.Conn
}

// NewPostgresLock creates an advisory lock identified by name
func NewPostgresLock(pool *pgxpool.Pool, name string) *PostgresLock {
	return &PostgresLock{pool: pool, name: name, key: AdvisoryKey(name)}
}

// AdvisoryKey maps a lock name onto the bigint key space of advisory locks
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Lock implements Locker
func (l *PostgresLock) Lock(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return fmt.Errorf("try advisory lock %s: %w", l.name, err)
	}
	if !ok {
		conn.Release()
		return fmt.Errorf("%w: advisory lock %s", ErrLocked, l.name)
	}
	l.conn = conn
	return nil
}

// Unlock implements Locker
func (l *PostgresLock) Unlock(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	var ok bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&ok); err != nil {
		return fmt.Errorf("advisory unlock %s: %w", l.name, err)
	}
	if !ok {
		return fmt.Errorf("advisory lock %s was not held", l.name)
	}
	return nil
}
