package outbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "streamrelay_delivery_queue"
	postgresOperationTimeout = 5 * time.Second
)

type PostgresStore struct {
	dsn       string
	tableName string
	openDB    func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				target_url TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TIMESTAMPTZ,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_status_attempts_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (status, attempts, id)",
			quoteIdentifier(indexName),
			quoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Enqueue(ctx context.Context, targetURL, payload string) (DeliveryItem, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return DeliveryItem{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return DeliveryItem{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (target_url, payload, status, attempts, last_error)
		VALUES ($1, $2, 'pending', 0, '')
		RETURNING id`, quoteIdentifier(s.tableName))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, targetURL, payload).Scan(&id); err != nil {
		return DeliveryItem{}, err
	}
	return DeliveryItem{ID: id, TargetURL: targetURL, Payload: payload, Status: StatusPending}, nil
}

// Claim is a single round trip: the UPDATE..RETURNING with a SKIP LOCKED
// subselect both transitions the batch to processing and returns the claimed
// rows, so concurrent workers never share an item.
func (s *PostgresStore) Claim(ctx context.Context, batch, maxAttempts int) ([]DeliveryItem, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM %s
			WHERE status IN ('pending', 'failed') AND attempts < $1
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_url, payload, status, attempts, last_attempt_at, last_error`,
		quoteIdentifier(s.tableName), quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, maxAttempts, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveryItems(rows)
}

func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleThreshold
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', last_error = $1
		WHERE status = 'processing'
		  AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - $2::interval)`,
		quoteIdentifier(s.tableName))
	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	res, err := s.db.ExecContext(ctx, query, staleRecoveryError, interval)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.markOutcome(ctx, id, StatusDelivered, "")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	return s.markOutcome(ctx, id, StatusFailed, errText)
}

func (s *PostgresStore) markOutcome(ctx context.Context, id int64, status, errText string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = attempts + 1, last_error = $2
		WHERE id = $3`, quoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, status, errText, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (DeliveryItem, error) {
	if err := s.ensureReady(); err != nil {
		return DeliveryItem{}, err
	}
	query := fmt.Sprintf(`
		SELECT id, target_url, payload, status, attempts, last_attempt_at, last_error
		FROM %s WHERE id = $1`, quoteIdentifier(s.tableName))
	var item DeliveryItem
	var lastAttempt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.TargetURL, &item.Payload, &item.Status,
		&item.Attempts, &lastAttempt, &item.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryItem{}, ErrNotFound
	}
	if err != nil {
		return DeliveryItem{}, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time.UTC()
		item.LastAttemptAt = &t
	}
	return item, nil
}

func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]DeliveryItem, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		query := fmt.Sprintf(`
			SELECT id, target_url, payload, status, attempts, last_attempt_at, last_error
			FROM %s ORDER BY id ASC LIMIT $1`, quoteIdentifier(s.tableName))
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		query := fmt.Sprintf(`
			SELECT id, target_url, payload, status, attempts, last_attempt_at, last_error
			FROM %s WHERE status = $1 ORDER BY id ASC LIMIT $2`, quoteIdentifier(s.tableName))
		rows, err = s.db.QueryContext(ctx, query, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveryItems(rows)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanDeliveryItems(rows *sql.Rows) ([]DeliveryItem, error) {
	items := make([]DeliveryItem, 0)
	for rows.Next() {
		var item DeliveryItem
		var lastAttempt sql.NullTime
		if err := rows.Scan(
			&item.ID, &item.TargetURL, &item.Payload, &item.Status,
			&item.Attempts, &lastAttempt, &item.LastError,
		); err != nil {
			return nil, err
		}
		if lastAttempt.Valid {
			t := lastAttempt.Time.UTC()
			item.LastAttemptAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
