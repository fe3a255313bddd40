// Package store persists TrackRecords and owns the two concurrency-critical
// primitives: insert-or-detect-duplicate and the callback sent-flag claim.
// Both are single atomic statements at the storage boundary; an in-memory
// check-then-write would let two concurrent identical requests both believe
// they are first.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/issj6/ad-router/internal/models"
)

// ErrNotFound is returned when no record exists for a rid.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// DedupKey builds the idempotency key: (ds_id, event_type, click_id, UTC
// calendar day of ts). Without a click_id the rid substitutes, which
// deliberately degrades dedup to "every request is unique" rather than
// collapsing all click-less traffic into one bucket.
func DedupKey(dsID, eventType, clickID string, ts int64, rid string) string {
	day := time.UnixMilli(ts).UTC().Format("20060102")
	if clickID == "" {
		clickID = rid
	}
	return fmt.Sprintf("%s|%s|%s|%s", dsID, eventType, clickID, day)
}

// Insert writes the record unless its dedup key already exists. The ON
// CONFLICT DO NOTHING form makes the uniqueness constraint the single
// authority; created reports whether this request was first.
func (s *Store) Insert(ctx context.Context, rec *models.TrackRecord) (created bool, err error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert track record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("duplicate track suppressed",
			zap.String("rid", rec.RID),
			zap.String("dedup_key", rec.DedupKey),
		)
		return false, nil
	}
	return true, nil
}

// UpdateTrackStatus records the upstream dispatch outcome. The record is
// inserted before the dispatch so the outcome arrives as an update.
func (s *Store) UpdateTrackStatus(ctx context.Context, rid string, status int) error {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE request_log SET track_status = ? WHERE rid = ?`,
		status, rid,
	).Error
	if err != nil {
		return fmt.Errorf("failed to update track status for %s: %w", rid, err)
	}
	return nil
}

// FindByRID loads the record behind a callback correlation id.
func (s *Store) FindByRID(ctx context.Context, rid string) (*models.TrackRecord, error) {
	var rec models.TrackRecord
	err := s.db.WithContext(ctx).Where("rid = ?", rid).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rid %s", ErrNotFound, rid)
		}
		return nil, fmt.Errorf("failed to load record %s: %w", rid, err)
	}
	return &rec, nil
}

// ClaimCallback flips the sent flag 0→1 for a rid and reports whether this
// caller won the transition. Check and set are one UPDATE so concurrent
// upstream retries cannot both dispatch downstream.
func (s *Store) ClaimCallback(ctx context.Context, rid string) (claimed bool, err error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE request_log SET is_callback_sent = 1 WHERE rid = ? AND is_callback_sent = 0`,
		rid,
	)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim callback for %s: %w", rid, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FinishCallback fills the callback fields after the claim. The record is
// never rewritten after this.
func (s *Store) FinishCallback(ctx context.Context, rid, eventType string,
	params datatypes.JSON, downstreamURL string, at time.Time) error {

	err := s.db.WithContext(ctx).Exec(
		`UPDATE request_log
		 SET callback_event_type = ?, callback_params = ?, downstream_url = ?, callback_time = ?
		 WHERE rid = ?`,
		eventType, params, downstreamURL, at, rid,
	).Error
	if err != nil {
		return fmt.Errorf("failed to finish callback for %s: %w", rid, err)
	}
	return nil
}

// List returns the most recent records for one downstream, newest first.
func (s *Store) List(ctx context.Context, dsID string, limit, offset int) ([]models.TrackRecord, error) {
	var recs []models.TrackRecord
	err := s.db.WithContext(ctx).
		Where("ds_id = ?", dsID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", dsID, err)
	}
	return recs, nil
}

// HealthCheck pings the underlying connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
