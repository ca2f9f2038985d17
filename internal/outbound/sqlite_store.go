package outbound

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type deliveryRow struct {
	ID            uint   `gorm:"primaryKey"`
	TargetURL     string `gorm:"size:1024"`
	Payload       string `gorm:"type:text"`
	Status        string `gorm:"index:idx_status_attempts;size:16"`
	Attempts      int    `gorm:"index:idx_status_attempts"`
	LastAttemptAt *time.Time
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (deliveryRow) TableName() string {
	return "delivery_items"
}

// SQLiteStore backs the queue with an embedded database. SQLite serializes
// writers, so running the claim inside one transaction is sufficient for
// claim exclusivity between workers sharing the file.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&deliveryRow{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, targetURL, payload string) (DeliveryItem, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return DeliveryItem{}, ErrInvalidInput
	}
	row := deliveryRow{
		TargetURL: targetURL,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return DeliveryItem{}, err
	}
	return rowToItem(row), nil
}

func (s *SQLiteStore) Claim(ctx context.Context, batch, maxAttempts int) ([]DeliveryItem, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	var claimed []deliveryRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []deliveryRow
		if err := tx.
			Where("status IN ? AND attempts < ?", []string{StatusPending, StatusFailed}, maxAttempts).
			Order("id asc").
			Limit(batch).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := tx.Model(&deliveryRow{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": StatusProcessing, "last_attempt_at": &now}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].Status = StatusProcessing
			t := now
			rows[i].LastAttemptAt = &t
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	items := make([]DeliveryItem, 0, len(claimed))
	for _, row := range claimed {
		items = append(items, rowToItem(row))
	}
	return items, nil
}

func (s *SQLiteStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleThreshold
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)", StatusProcessing, cutoff).
		Updates(map[string]any{"status": StatusFailed, "last_error": staleRecoveryError})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.markOutcome(ctx, id, StatusDelivered, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	return s.markOutcome(ctx, id, StatusFailed, errText)
}

func (s *SQLiteStore) markOutcome(ctx context.Context, id int64, status, errText string) error {
	res := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errText,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (DeliveryItem, error) {
	var row deliveryRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeliveryItem{}, ErrNotFound
	}
	if err != nil {
		return DeliveryItem{}, err
	}
	return rowToItem(row), nil
}

func (s *SQLiteStore) List(ctx context.Context, status string, limit int) ([]DeliveryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id asc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []deliveryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]DeliveryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, rowToItem(row))
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToItem(row deliveryRow) DeliveryItem {
	return DeliveryItem{
		ID:            int64(row.ID),
		TargetURL:     row.TargetURL,
		Payload:       row.Payload,
		Status:        row.Status,
		Attempts:      row.Attempts,
		LastAttemptAt: row.LastAttemptAt,
		LastError:     row.LastError,
	}
}
