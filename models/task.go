package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// 任务状态（在系统中统一使用这些状态）
const (
	// pending: 任务已就绪，等待执行器取走执行
	TaskStatusPending = "pending"
	// processing: 任务正在执行中
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	TaskStatusFailed     = "failed"
	// cancelled: 任务被用户/系统取消（例如项目更新时取消正在 processing 的任务）
	TaskStatusCancelled = "cancelled"

	// 五种核心任务类型
	TaskTypeBreakdown  = "script_breakdown"  // 梗概 -> 分镜列表
	TaskTypeAnchor     = "reference_analysis" // 参考图 -> 形象档案
	TaskTypeAudit      = "cinematic_audit"    // 分镜列表 -> 审片结论
	TaskTypeProduction = "production_run"     // 逐镜头生产流水线
	TaskTypeExport     = "export_sequence"    // 成片合成导出
)

type Task struct {
	ID                string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId         string         `json:"projectId"`
	ShotId            string         `json:"shotId,omitempty"`
	Type              string         `json:"type"`
	Status            string         `json:"status"`
	Progress          int            `json:"progress"`
	Message           string         `json:"message"`
	Parameters        TaskParameters `gorm:"type:json" json:"parameters"`
	Result            TaskResult     `gorm:"type:json" json:"result"`
	Error             string         `json:"error"`
	EstimatedDuration int            `json:"estimatedDuration"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        time.Time      `json:"finishedAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type TaskParameters struct {
	Breakdown  *BreakdownParams  `json:"breakdown,omitempty"`
	Anchor     *AnchorParams     `json:"anchor,omitempty"`
	Production *ProductionParams `json:"production,omitempty"`
	Export     *ExportParams     `json:"export,omitempty"`
}

type BreakdownParams struct {
	Title          string `json:"title"`
	Genre          string `json:"genre"`
	Synopsis       string `json:"synopsis"`
	TargetDuration int    `json:"target_duration"`
}

type AnchorParams struct {
	ImageUrl    string `json:"image_url"`
	SubjectName string `json:"subject_name"`
}

type ProductionParams struct {
	RunId string `json:"run_id"`
}

type ExportParams struct {
	AudioMix string `json:"audio_mix"`
}

// TaskResult 仅保留最小资源定位信息
type TaskResult struct {
	ResourceType string `json:"resource_type"` // e.g., "video", "audio", "json"
	ResourceId   string `json:"resource_id"`   // worker 侧 job id，取消时要用
	ResourceUrl  string `json:"resource_url"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (p TaskParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (p *TaskParameters) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, p)
}

// 实现 driver.Valuer 接口
func (r TaskResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// 实现 sql.Scanner 接口
func (r *TaskResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, r)
}

func (t *Task) UpdateStatus(db *gorm.DB, status string, result interface{}, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if result != nil {
		jsonBytes, err := json.Marshal(result)
		if err != nil {
			log.Printf("序列化任务结果失败: %v", err)
		} else {
			updates["result"] = jsonBytes
		}
	}

	if errMsg != "" {
		updates["error"] = errMsg
	}
	return db.Model(t).Updates(updates).Error
}

func GetTaskByIDGorm(db *gorm.DB, taskID string) (*Task, error) {
	var task Task
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// 强制指定表名为 "task" (解决 Error 1146 表不存在的问题)
func (Task) TableName() string {
	return "task"
}
