package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AuditSuggestion 审片服务对单个镜头的修改建议，
// applySuggestion 只会把 description/dialogue 覆写到镜头上
type AuditSuggestion struct {
	ShotId      string `json:"shot_id"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	Note        string `json:"note"`
}

type AuditSuggestions []AuditSuggestion

func (s AuditSuggestions) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *AuditSuggestions) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, s)
}

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, l)
}

// Audit 一次显式审片的结论，最新一条为当前生效结论。
// Passed 只是分数过线的标记，真正放行生产靠用户手动 approve。
type Audit struct {
	ID                string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId         string           `gorm:"type:varchar(64);index" json:"projectId"`
	Score             float64          `json:"score"`
	Passed            bool             `json:"passed"`
	Suggestions       AuditSuggestions `gorm:"type:json" json:"suggestions"`
	CorrectivePrompts StringList       `gorm:"type:json" json:"correctivePrompts"`
	CreatedAt         time.Time        `json:"createdAt"`
}

func CreateAudit(db *gorm.DB, a *Audit) error {
	a.CreatedAt = time.Now()
	return db.Create(a).Error
}

func GetLatestAuditGorm(db *gorm.DB, projectID string) (*Audit, error) {
	var a Audit
	if err := db.Where("project_id = ?", projectID).Order("created_at DESC").First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (Audit) TableName() string {
	return "audit"
}
