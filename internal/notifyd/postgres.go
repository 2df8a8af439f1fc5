package notifyd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paras0369/callcore/internal/notify"
)

// PostgresStore persists pending notifications in PostgreSQL so that a
// restart of the channel does not drop in-flight ringing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_notifications (
			notification_id TEXT PRIMARY KEY,
			callee_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			caller_name TEXT NOT NULL,
			rate TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_notifications_callee ON call_notifications (callee_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, n notify.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_notifications (notification_id, callee_id, call_id, mode, caller_name, rate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.NotificationID, n.CalleeID, n.CallID, n.Mode, n.CallerName, n.Rate, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingFor(ctx context.Context, calleeID string, notBefore time.Time) ([]notify.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT notification_id, callee_id, call_id, mode, caller_name, rate, created_at
		 FROM call_notifications WHERE callee_id=$1 AND created_at >= $2 ORDER BY created_at`,
		calleeID, notBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var n notify.Notification
		if err := rows.Scan(&n.NotificationID, &n.CalleeID, &n.CallID, &n.Mode, &n.CallerName, &n.Rate, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, notificationID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM call_notifications WHERE notification_id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM call_notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
