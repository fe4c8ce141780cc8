package models

import (
	"time"

	"gorm.io/gorm"
)

// 扣费记录状态。主键 (project_id, shot_id) 天然保证同一镜头只会有一条记录：
// reserved 只代表准入检查通过，没有真正扣款；committed 才对应一次账本扣款。
const (
	ChargeStatusReserved  = "reserved"
	ChargeStatusCommitted = "committed"
	ChargeStatusReleased  = "released"
)

type Charge struct {
	ProjectId string    `gorm:"primaryKey;type:varchar(64)" json:"projectId"`
	ShotId    string    `gorm:"primaryKey;type:varchar(64)" json:"shotId"`
	RunId     string    `json:"runId"`
	Tier      string    `json:"tier"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func CreateCharge(db *gorm.DB, c *Charge) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	return db.Create(c).Error
}

func GetChargeGorm(db *gorm.DB, projectID, shotID string) (*Charge, error) {
	var c Charge
	if err := db.First(&c, "project_id = ? AND shot_id = ?", projectID, shotID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Charge) UpdateStatus(db *gorm.DB, status string) error {
	return db.Model(c).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}).Error
}

func (Charge) TableName() string {
	return "charge"
}
