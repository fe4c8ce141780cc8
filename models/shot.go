package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	ShotStatusPending    = "pending"
	ShotStatusGenerating = "generating" // 全流水线同一时刻最多一个镜头处于该状态
	ShotStatusCompleted  = "completed"
	ShotStatusFailed     = "failed"
)

// VisualDebugResult 单次生成尝试的质检结论，按时间序追加在镜头上
type VisualDebugResult struct {
	Score            float64 `json:"score"`
	Passed           bool    `json:"passed"`
	CorrectivePrompt string  `json:"corrective_prompt"`
}

type VisualDebugResults []VisualDebugResult

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (r VisualDebugResults) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (r *VisualDebugResults) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, r)
}

// Shot 镜头。复合主键 (project_id, id)，id 形如 S01/S02，
// ShotIndex 从 0 开始，与 id 的序号保持同向递增。
type Shot struct {
	ID                 string             `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId          string             `gorm:"primaryKey;type:varchar(64)" json:"projectId"`
	ShotIndex          int                `gorm:"column:shot_index" json:"shotIndex"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	Dialogue           string             `json:"dialogue"`
	Mood               string             `json:"mood"`
	TransitionOut      string             `json:"transitionOut"`
	DurationSeconds    float64            `json:"durationSeconds"`
	Status             string             `json:"status"`
	VideoUrl           string             `json:"videoUrl"`
	EndFrameUrl        string             `json:"endFrameUrl"`
	RetryCount         int                `json:"retryCount"`
	VisualDebugResults VisualDebugResults `gorm:"type:json" json:"visualDebugResults"`
	Error              string             `json:"error"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

func BatchCreateShots(db *gorm.DB, shots []Shot) error {
	if len(shots) == 0 {
		return nil
	}
	return db.Create(&shots).Error
}

func GetShotsByProjectIDGorm(db *gorm.DB, projectID string) ([]Shot, error) {
	var shots []Shot
	if err := db.Where("project_id = ?", projectID).Order("shot_index ASC").Find(&shots).Error; err != nil {
		return nil, err
	}
	return shots, nil
}

func GetShotByIDGorm(db *gorm.DB, projectID, shotID string) (*Shot, error) {
	var shot Shot
	if err := db.First(&shot, "project_id = ? AND id = ?", projectID, shotID).Error; err != nil {
		return nil, err
	}
	return &shot, nil
}

// UpdateFields 按 map 局部更新镜头字段（复合主键由 s 上的 ID/ProjectId 提供）
func (s *Shot) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(s).Updates(updates).Error
}

func (Shot) TableName() string {
	return "shot"
}
