package scheduler

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Locker elects the single effective poller in a deployment.
type Locker interface {
	// TryLock reports whether this instance currently holds
	// leadership. Non-blocking; losing instances simply skip the
	// cycle.
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// PgLock is leadership via a Postgres advisory lock. The lock is
// session-scoped, so the instance pins one pool connection for as long
// as it leads; if the process dies the session drops and another
// instance takes over on its next cycle.
type PgLock struct {
	db  *pgxpool.Pool
	key int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewPgLock(db *pgxpool.Pool, key int64) *PgLock {
	return &PgLock{db: db, key: key}
}

func (l *PgLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		// Already leading; verify the session is still alive.
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PgLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	return errors.Wrap(err, "advisory unlock")
}
