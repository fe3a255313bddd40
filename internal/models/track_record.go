package models

import (
	"time"

	"gorm.io/datatypes"
)

// Track status values recorded after the upstream dispatch attempt.
const (
	TrackStatusPending = 0 // recorded, dispatch not attempted (throttled, no route, deferred)
	TrackStatusSent    = 1 // upstream answered 200
	TrackStatusFailed  = 2 // dispatch failed
)

// TrackRecord is the one row per correlation id (rid). It is created,
// partially filled, at track time; the callback mutates it exactly once to
// fill the callback fields and flip the sent flag, and it is never rewritten
// after that.
type TrackRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RID       string `gorm:"column:rid;type:varchar(36);uniqueIndex;not null" json:"rid"`
	DsID      string `gorm:"column:ds_id;type:varchar(64);index;not null" json:"ds_id"`
	UpID      string `gorm:"column:up_id;type:varchar(64);index" json:"up_id"`
	EventType string `gorm:"type:varchar(16);not null" json:"event_type"`
	AdID      string `gorm:"column:ad_id;type:varchar(128);index" json:"ad_id"`
	ChannelID string `gorm:"column:channel_id;type:varchar(64)" json:"channel_id"`
	ClickID   string `gorm:"column:click_id;type:varchar(128);index" json:"click_id"`

	// DedupKey is ds_id|event_type|click_id|UTC day; with no click_id the
	// rid substitutes, deliberately degrading dedup to per-request.
	DedupKey string `gorm:"column:dedup_key;type:varchar(512);uniqueIndex;not null" json:"-"`

	Ts int64  `gorm:"not null" json:"ts"` // event time, epoch ms
	OS string `gorm:"column:os;type:varchar(16)" json:"os"`

	UploadParams   datatypes.JSON `gorm:"column:upload_params" json:"upload_params,omitempty"`
	CallbackParams datatypes.JSON `gorm:"column:callback_params" json:"callback_params,omitempty"`

	// CallbackTemplate is the downstream-supplied macro URL, stored verbatim
	// at track time and write-once.
	CallbackTemplate string `gorm:"column:callback_template;type:text" json:"-"`

	UpstreamURL   string `gorm:"column:upstream_url;type:varchar(2048)" json:"upstream_url,omitempty"`
	DownstreamURL string `gorm:"column:downstream_url;type:varchar(2048)" json:"downstream_url,omitempty"`

	TrackTime   time.Time `gorm:"column:track_time" json:"track_time"`
	TrackStatus int       `gorm:"column:track_status" json:"track_status"`

	IsCallbackSent    int        `gorm:"column:is_callback_sent;not null;default:0" json:"is_callback_sent"`
	CallbackTime      *time.Time `gorm:"column:callback_time" json:"callback_time,omitempty"`
	CallbackEventType string     `gorm:"column:callback_event_type;type:varchar(64)" json:"callback_event_type,omitempty"`
}

func (TrackRecord) TableName() string {
	return "request_log"
}
