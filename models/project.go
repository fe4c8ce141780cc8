package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 项目状态常量（用于在业务层统一描述项目进度）
const (
	ProjectStatusCreated    = "created"     // 项目已创建，分镜拆解尚未完成
	ProjectStatusShotsReady = "shots_ready" // 剧本已拆解为分镜列表，可做参考图分析与审片
	ProjectStatusProducing  = "producing"   // 生产流水线执行中
	ProjectStatusHalted     = "halted"      // 流水线因余额不足/镜头失败/重启而停住，等待用户处理
	ProjectStatusProduced   = "produced"    // 全部镜头生成完成，可预览/导出
	ProjectStatusExported   = "exported"    // 成片已导出
	ProjectStatusFailed     = "failed"      // 剧本拆解失败
)

// 质量档位，决定单镜头计费金额
const (
	QualityTierStandard     = "standard"
	QualityTierProfessional = "professional"
)

// CharacterBible 主体形象档案，由参考图分析生成。
// 分析完成后所有字段保证非空（缺失字段按主体名用模板补齐），
// 下游构造生成请求时不需要判空。
type CharacterBible struct {
	SubjectName            string   `json:"subject_name"`
	FrontView              string   `json:"front_view"`
	SideView               string   `json:"side_view"`
	BackView               string   `json:"back_view"`
	Hair                   string   `json:"hair"`
	Clothing               string   `json:"clothing"`
	DistinguishingFeatures string   `json:"distinguishing_features"`
	NegativePrompts        []string `json:"negative_prompts"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (b CharacterBible) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (b *CharacterBible) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, b)
}

type Project struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title            string         `json:"title"`
	Genre            string         `json:"genre"`
	Synopsis         string         `json:"synopsis"`
	TargetDuration   int            `json:"targetDuration"` // 成片目标时长（秒）
	Status           string         `json:"status"`
	GeneratedScript  string         `json:"generatedScript"`
	QualityTier      string         `json:"qualityTier"`
	VoiceId          string         `json:"voiceId"`
	AnchorImageUrl   string         `json:"anchorImageUrl"`
	CharacterBible   CharacterBible `gorm:"type:json" json:"characterBible"`
	AnalysisComplete bool           `json:"analysisComplete"`
	AuditApproved    bool           `json:"auditApproved"`
	VideoUrl         string         `json:"videoUrl"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func GetProjectByIDGorm(db *gorm.DB, projectID string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateFields 按 map 局部更新项目字段，processor 侧统一走这里
func (p *Project) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(p).Updates(updates).Error
}

func (Project) TableName() string {
	return "project"
}
