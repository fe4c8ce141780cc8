package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	VoiceTrackStatusPending   = "pending"
	VoiceTrackStatusCompleted = "completed"
	VoiceTrackStatusFailed    = "failed"
	VoiceTrackStatusSkipped   = "skipped" // 镜头没有台词，不走配音
)

// VoiceTrack 镜头配音轨，随镜头生成尝试落盘，主键 (run_id, shot_id)
type VoiceTrack struct {
	RunId     string    `gorm:"primaryKey;type:varchar(64)" json:"runId"`
	ShotId    string    `gorm:"primaryKey;type:varchar(64)" json:"shotId"`
	Status    string    `json:"status"`
	AudioUrl  string    `json:"audioUrl"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Upsert 同一镜头重试会反复写入，按主键覆盖
func (v *VoiceTrack) Upsert(db *gorm.DB) error {
	v.UpdatedAt = time.Now()
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

func GetVoiceTracksByRunIDGorm(db *gorm.DB, runID string) ([]VoiceTrack, error) {
	var tracks []VoiceTrack
	if err := db.Where("run_id = ?", runID).Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

func (VoiceTrack) TableName() string {
	return "voice_track"
}
