package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/stdlib"

	"sitecms/api/internal/document"
)

const changesChannel = "content_changes"

// PostgresStore keeps one JSONB row per section and announces changes with
// NOTIFY.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Read(ctx context.Context, path string) (any, bool, error) {
	segments, err := splitRequired(path)
	if err != nil {
		return nil, false, err
	}
	section, ok, err := readSectionRow(ctx, s.db, segments[0], false)
	if err != nil || !ok {
		return nil, false, err
	}
	value, ok := document.GetPath(section, segments[1:])
	return value, ok, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context) (document.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM content_sections ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	snapshot := document.Snapshot{}
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		var value any
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", key, err)
		}
		snapshot[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) Write(ctx context.Context, path string, value any) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	return s.inTx(ctx, path, func(tx *sql.Tx) error {
		if len(segments) == 1 {
			return upsertSection(ctx, tx, segments[0], value)
		}
		current, _, err := readSectionRow(ctx, tx, segments[0], true)
		if err != nil {
			return err
		}
		next, err := document.SetPath(current, segments[1:], value)
		if err != nil {
			return err
		}
		return upsertSection(ctx, tx, segments[0], next)
	})
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	return s.inTx(ctx, path, func(tx *sql.Tx) error {
		if len(segments) == 1 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM content_sections WHERE key=$1`, segments[0]); err != nil {
				return fmt.Errorf("delete section %s: %w", segments[0], err)
			}
			return nil
		}
		current, ok, err := readSectionRow(ctx, tx, segments[0], true)
		if err != nil || !ok {
			return err
		}
		next, err := document.RemovePath(current, segments[1:])
		if err != nil {
			return err
		}
		return upsertSection(ctx, tx, segments[0], next)
	})
}

// Subscribe holds a dedicated connection in LISTEN mode for the lifetime of
// the subscription.
func (s *PostgresStore) Subscribe(ctx context.Context, path string, onChange func(any)) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	err = conn.Raw(func(driverConn any) error {
		pgConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		_, err := pgConn.Conn().Exec(ctx, "LISTEN "+changesChannel)
		return err
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listen %s: %w", changesChannel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Raw(func(driverConn any) error {
			pgConn := driverConn.(*stdlib.Conn).Conn()
			for {
				notification, err := pgConn.WaitForNotification(listenCtx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						glog.Warningf("remote: listen %s stopped: %v", changesChannel, err)
					}
					return err
				}
				if !affects(path, notification.Payload) {
					continue
				}
				value, err := s.readWatched(listenCtx, path)
				if err != nil {
					glog.Warningf("remote: reload %s after change to %s: %v", path, notification.Payload, err)
					continue
				}
				onChange(value)
			}
		})
	}()

	return func() {
		cancel()
		<-done
		_ = conn.Close()
	}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) readWatched(ctx context.Context, path string) (any, error) {
	if strings.Trim(path, "/") == "" {
		snapshot, err := s.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any(snapshot), nil
	}
	value, _, err := s.Read(ctx, path)
	return value, err
}

func (s *PostgresStore) inTx(ctx context.Context, path string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %s: %w", path, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changesChannel, strings.Trim(path, "/")); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("notify change %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write %s: %w", path, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSectionRow(ctx context.Context, q queryRower, key string, forUpdate bool) (any, bool, error) {
	query := `SELECT value FROM content_sections WHERE key=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var payload []byte
	err := q.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read section %s: %w", key, err)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, false, fmt.Errorf("decode section %s: %w", key, err)
	}
	return value, true, nil
}

func upsertSection(ctx context.Context, tx *sql.Tx, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal section %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO content_sections (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, key, string(payload))
	if err != nil {
		return fmt.Errorf("upsert section %s: %w", key, err)
	}
	return nil
}
