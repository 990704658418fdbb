package models

import "time"

// Session is the ephemeral record of an anonymous visitor's in-progress
// poster. Upload handlers own its mutation; this core reads the temp asset
// keys and the cleanup scheduler deletes expired rows.
type Session struct {
	Token           string    `gorm:"column:token;primaryKey"`
	EmailHint       *string   `gorm:"column:email_hint"`
	ExpiresAt       time.Time `gorm:"column:expires_at;not null"`
	PhotoTempKey    *string   `gorm:"column:photo_temp_key"`
	AudioTempKey    *string   `gorm:"column:audio_temp_key"`
	WaveformTempKey *string   `gorm:"column:waveform_temp_key"`
	Title           *string   `gorm:"column:title"`
	Subtitle        *string   `gorm:"column:subtitle"`
	Theme           *string   `gorm:"column:theme"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the default pluralization.
func (Session) TableName() string { return "sessions" }
