package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CritiqueService 审片服务依赖面
type CritiqueService interface {
	AuditShots(ctx context.Context, shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error)
}

// Auditor 电影感审片。审片只在用户显式触发时跑，
// passed 只是分数过线标记，放行生产永远靠用户手动 Approve。
type Auditor struct {
	Store    Store
	Critique CritiqueService

	passThreshold float64
}

func NewAuditor(store Store, critique CritiqueService) *Auditor {
	return &Auditor{
		Store:         store,
		Critique:      critique,
		passThreshold: config.AppConfig.Pipeline.AuditPassThreshold,
	}
}

// RunAudit 一次显式审片，结论落一条 audit 记录（最新一条生效）
func (a *Auditor) RunAudit(ctx context.Context, projectID string) error {
	shots, err := a.Store.GetShots(ctx, projectID)
	if err != nil {
		return err
	}
	if len(shots) == 0 {
		return fmt.Errorf("没有分镜可审: %w", ErrAudit)
	}
	project, err := a.Store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	verdict, err := a.Critique.AuditShots(ctx, shots, project.CharacterBible)
	if err != nil {
		if IsCancellation(err) {
			return err
		}
		return fmt.Errorf("审片服务失败: %v: %w", err, ErrAudit)
	}

	audit := &models.Audit{
		ID:                uuid.NewString(),
		ProjectId:         projectID,
		Score:             verdict.Score,
		Passed:            verdict.Score >= a.passThreshold,
		Suggestions:       verdict.Suggestions,
		CorrectivePrompts: verdict.CorrectivePrompts,
	}
	if err := a.Store.CreateAudit(ctx, audit); err != nil {
		return err
	}
	log.Printf("项目 %s 审片完成: score=%.2f passed=%v suggestions=%d", projectID, audit.Score, audit.Passed, len(audit.Suggestions))
	return nil
}

// ApplySuggestion 把最新审片结论里指定镜头的建议覆写到镜头上。
// 只动 description/dialogue，不重跑审片也不做二次校验。
func (a *Auditor) ApplySuggestion(ctx context.Context, projectID, shotID string) (*models.Shot, error) {
	audit, err := a.Store.GetLatestAudit(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("项目还没有审片结论: %w", ErrAudit)
		}
		return nil, err
	}

	var sug *models.AuditSuggestion
	for i := range audit.Suggestions {
		if audit.Suggestions[i].ShotId == shotID {
			sug = &audit.Suggestions[i]
			break
		}
	}
	if sug == nil {
		return nil, fmt.Errorf("审片结论中没有镜头 %s 的修改建议: %w", shotID, ErrAudit)
	}

	shot, err := a.Store.GetShot(ctx, projectID, shotID)
	if err != nil {
		return nil, err
	}
	if shot.Status != models.ShotStatusPending {
		return nil, fmt.Errorf("镜头 %s 已进入生产，不可再修改", shotID)
	}

	updates := map[string]interface{}{
		// dialogue 按建议原样覆写，允许清空台词
		"dialogue": sug.Dialogue,
	}
	if sug.Description != "" {
		updates["description"] = sug.Description
	}
	if err := a.Store.UpdateShotFields(ctx, projectID, shotID, updates); err != nil {
		return nil, err
	}
	return a.Store.GetShot(ctx, projectID, shotID)
}

// Approve 用户对审片放行。单向且幂等：重复调用返回同一个生产批次，
// 后续再改镜头也不会把放行收回。批次在这里创建并锁定随机种子。
func (a *Auditor) Approve(ctx context.Context, projectID, tier string) (*models.ProductionRun, error) {
	if run, err := a.Store.GetRunByProject(ctx, projectID); err == nil {
		return run, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if _, err := a.Store.GetLatestAudit(ctx, projectID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("放行前必须先跑一次审片: %w", ErrPrecondition)
		}
		return nil, err
	}

	project, err := a.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if tier == "" {
		tier = project.QualityTier
	}
	if tier != models.QualityTierStandard && tier != models.QualityTierProfessional {
		return nil, fmt.Errorf("无效的质量档位: %s", tier)
	}

	run := &models.ProductionRun{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Status:    models.RunStatusIdle,
		// 种子在批次创建时锁定，整个批次（含续跑/重试）复用
		Seed:           rand.Int63(),
		AnchorImageUrl: project.AnchorImageUrl,
		CharacterBible: project.CharacterBible,
		QualityTier:    tier,
	}
	if err := a.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := a.Store.UpdateProjectFields(ctx, projectID, map[string]interface{}{
		"audit_approved": true,
		"quality_tier":   tier,
	}); err != nil {
		return nil, err
	}
	log.Printf("项目 %s 审片放行，生产批次 %s 创建，seed=%d tier=%s", projectID, run.ID, run.Seed, tier)
	return run, nil
}
