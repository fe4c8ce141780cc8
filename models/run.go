package models

import (
	"time"

	"gorm.io/gorm"
)

// 生产批次状态
const (
	RunStatusIdle      = "idle"      // 审片已通过，等待用户点开拍
	RunStatusRunning   = "running"   // 流水线执行中
	RunStatusHalted    = "halted"    // 停住：余额不足 / 镜头重试耗尽 / 服务重启
	RunStatusCancelled = "cancelled" // 用户取消，进行中镜头已回退 pending，可再次开拍续跑
	RunStatusCompleted = "completed" // 全部镜头完成
)

// 停住原因（写入 halt_reason，前端据此提示用户）
const (
	HaltReasonInsufficientCredits = "insufficient_credits"
	HaltReasonShotFailed          = "shot_failed"
	HaltReasonInterrupted         = "interrupted_by_restart"
	HaltReasonInternal            = "internal_error"
)

// ProductionRun 一个项目唯一的生产批次。审片通过时创建，
// 此刻锁定随机种子与形象档案快照，整个批次（含续跑/重试）不再变化。
type ProductionRun struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId        string         `gorm:"type:varchar(64);uniqueIndex" json:"projectId"`
	TaskId           string         `json:"taskId"` // 当前/最近一次驱动该批次的任务
	Status           string         `json:"status"`
	Running          bool           `json:"running"` // 重入护栏，Claim 原子置位
	CurrentShotIndex int            `json:"currentShotIndex"`
	Seed             int64          `json:"seed"`
	PreviousFrameUrl string         `json:"previousFrameUrl"` // 仅在镜头成功后更新
	AnchorImageUrl   string         `json:"anchorImageUrl"`
	CharacterBible   CharacterBible `gorm:"type:json" json:"characterBible"`
	QualityTier      string         `json:"qualityTier"`
	HaltReason       string         `json:"haltReason"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func CreateRun(db *gorm.DB, r *ProductionRun) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	return db.Create(r).Error
}

func GetRunByIDGorm(db *gorm.DB, runID string) (*ProductionRun, error) {
	var r ProductionRun
	if err := db.First(&r, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func GetRunByProjectIDGorm(db *gorm.DB, projectID string) (*ProductionRun, error) {
	var r ProductionRun
	if err := db.First(&r, "project_id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// Claim 原子抢占执行权：running=0 且非完结状态才允许置位。
// 返回 false 表示已有执行者或批次已完成，调用方直接放弃（重复 start 为空操作）。
func ClaimRun(db *gorm.DB, runID, taskID string) (bool, error) {
	res := db.Exec(
		`UPDATE production_run SET running = 1, status = ?, task_id = ?, halt_reason = '', updated_at = ? `+
			`WHERE id = ? AND running = 0 AND status IN (?, ?, ?)`,
		RunStatusRunning, taskID, time.Now(),
		runID, RunStatusIdle, RunStatusHalted, RunStatusCancelled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Finish 释放执行权并落终态/停住态
func (r *ProductionRun) Finish(db *gorm.DB, status, haltReason string) error {
	return db.Model(r).Updates(map[string]interface{}{
		"running":     false,
		"status":      status,
		"halt_reason": haltReason,
		"updated_at":  time.Now(),
	}).Error
}

// Advance 镜头成功后推进游标并更新首尾帧链
func (r *ProductionRun) Advance(db *gorm.DB, nextIndex int, previousFrameUrl string) error {
	return db.Model(r).Updates(map[string]interface{}{
		"current_shot_index": nextIndex,
		"previous_frame_url": previousFrameUrl,
		"updated_at":         time.Now(),
	}).Error
}

// UpdateFields 按 map 局部更新
func (r *ProductionRun) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(r).Updates(updates).Error
}

func (ProductionRun) TableName() string {
	return "production_run"
}
