package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/issj6/ad-router/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return New(db, nil), mock
}

func sampleRecord() *models.TrackRecord {
	return &models.TrackRecord{
		RID:       "rid-1",
		DsID:      "ds1",
		UpID:      "upstream_x",
		EventType: "click",
		AdID:      "a1",
		ClickID:   "c1",
		DedupKey:  DedupKey("ds1", "click", "c1", 1734508800000, "rid-1"),
		Ts:        1734508800000,
		TrackTime: time.Now().UTC(),
	}
}

func TestDedupKey(t *testing.T) {
	// 2024-12-18 08:00:00 UTC
	key := DedupKey("ds1", "click", "c1", 1734508800000, "rid-1")
	assert.Equal(t, "ds1|click|c1|20241218", key)

	// The day boundary is UTC: one ms before midnight vs midnight.
	before := DedupKey("ds1", "click", "c1", 1734479999999, "rid-1")
	after := DedupKey("ds1", "click", "c1", 1734480000000, "rid-1")
	assert.Equal(t, "ds1|click|c1|20241217", before)
	assert.Equal(t, "ds1|click|c1|20241218", after)

	// Missing click_id degrades to per-request uniqueness via the rid.
	k1 := DedupKey("ds1", "click", "", 1734508800000, "rid-1")
	k2 := DedupKey("ds1", "click", "", 1734508800000, "rid-2")
	assert.NotEqual(t, k1, k2)
}

func TestInsertCreates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO "request_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	created, err := s.Insert(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateDetected(t *testing.T) {
	s, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING returns no rows for the duplicate.
	mock.ExpectQuery(`INSERT INTO "request_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	created, err := s.Insert(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTrackStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE request_log SET track_status = .+ WHERE rid = `).
		WithArgs(1, "rid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateTrackStatus(context.Background(), "rid-1", 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByRID(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "rid", "ds_id", "event_type", "click_id", "is_callback_sent"}).
		AddRow(int64(1), "rid-1", "ds1", "click", "c1", 0)
	mock.ExpectQuery(`SELECT \* FROM "request_log" WHERE rid = .+ LIMIT`).
		WillReturnRows(rows)

	rec, err := s.FindByRID(context.Background(), "rid-1")
	require.NoError(t, err)
	assert.Equal(t, "ds1", rec.DsID)
	assert.Equal(t, "c1", rec.ClickID)
}

func TestFindByRIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "request_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.FindByRID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimCallbackWinsOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE request_log SET is_callback_sent = 1 WHERE rid = .+ AND is_callback_sent = 0`).
		WithArgs("rid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := s.ClaimCallback(context.Background(), "rid-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimCallbackAlreadySent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE request_log SET is_callback_sent = 1`).
		WithArgs("rid-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.ClaimCallback(context.Background(), "rid-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFinishCallback(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE request_log\s+SET callback_event_type`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.FinishCallback(context.Background(), "rid-1", "ACTIVATED",
		datatypes.JSON(`{"event_type":"ACTIVATED"}`), "http://m/cb?t=c1&e=ACTIVATED", time.Now().UTC())
	require.NoError(t, err)
}

func TestList(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "rid", "ds_id", "event_type"}).
		AddRow(int64(2), "rid-2", "ds1", "imp").
		AddRow(int64(1), "rid-1", "ds1", "click")
	mock.ExpectQuery(`SELECT \* FROM "request_log" WHERE ds_id = .+ ORDER BY id DESC`).
		WillReturnRows(rows)

	recs, err := s.List(context.Background(), "ds1", 25, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "rid-2", recs[0].RID)
}
