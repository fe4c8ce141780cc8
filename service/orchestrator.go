package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// GenerationClient 流水线对视频/配音/质检三类生成服务的依赖面
type GenerationClient interface {
	GenerateVideo(ctx context.Context, req VideoJobRequest) (*VideoJobResult, error)
	GenerateVoice(ctx context.Context, shotID, text, voiceID string) (string, error)
	DebugFrame(ctx context.Context, frameUrl string, bible models.CharacterBible, criteria []string) (*DebugVerdict, error)
}

// ArtifactStore 产物转存：worker 的临时地址 -> 对象存储稳定地址
type ArtifactStore interface {
	Persist(ctx context.Context, sourceURL, objectName string) (string, error)
}

// Orchestrator 生产流水线。严格按 shot_index 顺序逐镜头推进，
// 全程同一时刻最多一个镜头处于 generating。每个镜头的周期：
// 计费准入 -> generating -> 视频∥配音并发生成 -> 质检门 -> 成功推进 / 重试 / 耗尽停住。
// 取消在每个挂起点被观察，进行中镜头回退 pending 且不扣费。
type Orchestrator struct {
	Store     Store
	Billing   *BillingGuard
	Gen       GenerationClient
	Artifacts ArtifactStore

	maxAttempts int
}

func NewOrchestrator(store Store, billing *BillingGuard, gen GenerationClient, artifacts ArtifactStore) *Orchestrator {
	return &Orchestrator{
		Store:       store,
		Billing:     billing,
		Gen:         gen,
		Artifacts:   artifacts,
		maxAttempts: config.AppConfig.Pipeline.MaxAttempts,
	}
}

type shotArtifacts struct {
	ClipUrl      string
	EndFrameUrl  string
	VoiceUrl     string
	VoiceSkipped bool
}

// PreflightStart 开拍前置检查，任何一条不满足都直接报错、零副作用
func (o *Orchestrator) PreflightStart(ctx context.Context, projectID string) (*models.ProductionRun, error) {
	project, err := o.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.AnalysisComplete {
		return nil, fmt.Errorf("形象档案未就绪: %w", ErrPrecondition)
	}
	if !project.AuditApproved {
		return nil, fmt.Errorf("审片未放行: %w", ErrPrecondition)
	}
	run, err := o.Store.GetRunByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("没有生产批次: %w", ErrPrecondition)
		}
		return nil, err
	}
	if run.Status == models.RunStatusCompleted {
		return nil, fmt.Errorf("生产批次已全部完成: %w", ErrPrecondition)
	}
	return run, nil
}

// Execute 流水线主入口（由任务处理器调用）。
// 通过 running 标志原子抢占执行权，抢不到说明已有执行者，重复启动为空操作。
func (o *Orchestrator) Execute(ctx context.Context, runID, taskID string) error {
	run, err := o.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("production run not found: %w", err)
	}
	project, err := o.Store.GetProject(ctx, run.ProjectId)
	if err != nil {
		return fmt.Errorf("project not found: %w", err)
	}
	// 入队到执行之间的窗口里前置条件可能已变化，抢占前再验一遍
	if !project.AnalysisComplete || !project.AuditApproved {
		return fmt.Errorf("开拍前置条件不满足: %w", ErrPrecondition)
	}

	claimed, err := o.Store.ClaimRun(ctx, runID, taskID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("生产批次 %s 已有执行者或已完成，忽略重复启动", runID)
		return nil
	}
	run.Status = models.RunStatusRunning

	// 放行时若分析还没完成，快照此刻补锁定；之后整个批次不再变化
	if run.AnchorImageUrl == "" {
		run.AnchorImageUrl = project.AnchorImageUrl
		run.CharacterBible = project.CharacterBible
		if err := o.Store.UpdateRunFields(ctx, runID, map[string]interface{}{
			"anchor_image_url": run.AnchorImageUrl,
			"character_bible":  run.CharacterBible,
		}); err != nil {
			log.Printf("锁定形象快照失败: %v", err)
		}
	}

	if err := o.Store.UpdateProjectFields(ctx, project.ID, map[string]interface{}{
		"status": models.ProjectStatusProducing,
	}); err != nil {
		log.Printf("更新项目状态失败: %v", err)
	}

	pipeErr := o.runPipeline(ctx, run, project)

	// 收尾写库不跟随已取消的 ctx
	cleanupCtx := context.WithoutCancel(ctx)
	switch {
	case pipeErr == nil:
		o.finish(cleanupCtx, run, project, models.RunStatusCompleted, "", models.ProjectStatusProduced)
		log.Printf("生产批次 %s 全部镜头完成", runID)
	case IsCancellation(pipeErr):
		o.finish(cleanupCtx, run, project, models.RunStatusCancelled, "", models.ProjectStatusHalted)
		log.Printf("生产批次 %s 已取消，游标停在第 %d 个镜头", runID, run.CurrentShotIndex)
	case errors.Is(pipeErr, ErrInsufficientCredits):
		o.finish(cleanupCtx, run, project, models.RunStatusHalted, models.HaltReasonInsufficientCredits, models.ProjectStatusHalted)
	case errors.Is(pipeErr, ErrGeneration):
		o.finish(cleanupCtx, run, project, models.RunStatusHalted, models.HaltReasonShotFailed, models.ProjectStatusHalted)
	default:
		o.finish(cleanupCtx, run, project, models.RunStatusHalted, models.HaltReasonInternal, models.ProjectStatusHalted)
	}
	return pipeErr
}

func (o *Orchestrator) finish(ctx context.Context, run *models.ProductionRun, project *models.Project, runStatus, haltReason, projectStatus string) {
	if err := o.Store.FinishRun(ctx, run.ID, runStatus, haltReason); err != nil {
		log.Printf("落批次终态失败: %v", err)
	}
	if err := o.Store.UpdateProjectFields(ctx, project.ID, map[string]interface{}{
		"status": projectStatus,
	}); err != nil {
		log.Printf("落项目状态失败: %v", err)
	}
}

// runPipeline 从游标处逐镜头推进
func (o *Orchestrator) runPipeline(ctx context.Context, run *models.ProductionRun, project *models.Project) error {
	shots, err := o.Store.GetShots(ctx, run.ProjectId)
	if err != nil {
		return err
	}

	// 质检的矫正标准取最新审片结论
	var criteria []string
	if audit, err := o.Store.GetLatestAudit(ctx, run.ProjectId); err == nil {
		criteria = audit.CorrectivePrompts
	}

	voiceID := project.VoiceId
	if voiceID == "" {
		voiceID = config.AppConfig.Voice.DefaultVoiceID
	}

	for idx := run.CurrentShotIndex; idx < len(shots); idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		shot := &shots[idx]

		if shot.Status == models.ShotStatusCompleted {
			// 续跑路径：已完成镜头跳过，但补齐首尾帧链和可能漏掉的扣款
			if err := o.Billing.Commit(ctx, project.ID, shot.ID); err != nil {
				return err
			}
			if err := o.Store.AdvanceRun(ctx, run.ID, idx+1, shot.EndFrameUrl); err != nil {
				return err
			}
			run.PreviousFrameUrl = shot.EndFrameUrl
			run.CurrentShotIndex = idx + 1
			continue
		}
		if shot.Status == models.ShotStatusFailed {
			return fmt.Errorf("镜头 %s 处于 failed，需要先重试失败镜头: %w", shot.ID, ErrGeneration)
		}

		// 1. 计费准入：余额不足必须在镜头进入 generating 之前停住，游标不动
		if err := o.Billing.Reserve(ctx, project.ID, shot.ID, run.ID, run.QualityTier); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// 2. 进入 generating
		if err := o.Store.UpdateShotFields(ctx, project.ID, shot.ID, map[string]interface{}{
			"status": models.ShotStatusGenerating,
			"error":  "",
		}); err != nil {
			return err
		}
		shot.Status = models.ShotStatusGenerating
		log.Printf("镜头 %s (#%d) 开始生成，seed=%d", shot.ID, idx, run.Seed)

		artifacts, attemptErr := o.attemptShot(ctx, run, shot, criteria, voiceID)
		if attemptErr != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			if IsCancellation(attemptErr) {
				// 取消不算失败：回退 pending，解除预留，游标停在本镜头
				o.revertShot(cleanupCtx, project.ID, shot.ID)
				return attemptErr
			}
			if errors.Is(attemptErr, ErrGeneration) {
				// 重试预算耗尽：镜头落 failed，零扣费，停住整条流水线
				if err := o.Store.UpdateShotFields(cleanupCtx, project.ID, shot.ID, map[string]interface{}{
					"status": models.ShotStatusFailed,
					"error":  attemptErr.Error(),
				}); err != nil {
					log.Printf("标记镜头失败状态出错: %v", err)
				}
				if err := o.Billing.Release(cleanupCtx, project.ID, shot.ID); err != nil {
					log.Printf("解除计费预留失败: %v", err)
				}
				return attemptErr
			}
			// 基础设施错误（存储/数据库等）：不算镜头失败，回退 pending
			o.revertShot(cleanupCtx, project.ID, shot.ID)
			return attemptErr
		}

		// 6. 成功善后：配音轨、镜头终态、恰好一次扣款、推进游标
		track := &models.VoiceTrack{RunId: run.ID, ShotId: shot.ID, Status: models.VoiceTrackStatusCompleted, AudioUrl: artifacts.VoiceUrl}
		if artifacts.VoiceSkipped {
			track.Status = models.VoiceTrackStatusSkipped
			track.AudioUrl = ""
		}
		if err := o.Store.UpsertVoiceTrack(ctx, track); err != nil {
			return err
		}
		if err := o.Store.UpdateShotFields(ctx, project.ID, shot.ID, map[string]interface{}{
			"status":               models.ShotStatusCompleted,
			"video_url":            artifacts.ClipUrl,
			"end_frame_url":        artifacts.EndFrameUrl,
			"error":                "",
			"visual_debug_results": shot.VisualDebugResults,
		}); err != nil {
			return err
		}
		if err := o.Billing.Commit(ctx, project.ID, shot.ID); err != nil {
			return err
		}
		if err := o.Store.AdvanceRun(ctx, run.ID, idx+1, artifacts.EndFrameUrl); err != nil {
			return err
		}
		run.PreviousFrameUrl = artifacts.EndFrameUrl
		run.CurrentShotIndex = idx + 1
		log.Printf("镜头 %s 完成，尾帧接力到下一镜头", shot.ID)
	}
	return nil
}

func (o *Orchestrator) revertShot(ctx context.Context, projectID, shotID string) {
	if err := o.Store.UpdateShotFields(ctx, projectID, shotID, map[string]interface{}{
		"status": models.ShotStatusPending,
	}); err != nil {
		log.Printf("回退镜头状态失败: %v", err)
	}
	if err := o.Billing.Release(ctx, projectID, shotID); err != nil {
		log.Printf("解除计费预留失败: %v", err)
	}
}

// attemptShot 单镜头的尝试循环：视频∥配音并发生成 -> 质检门 -> 通过则产物转存。
// 质检不过或生成失败都吸收为一次尝试（retry_count+1，追加一条质检记录），
// 预算内自动带着矫正提示词重试；耗尽返回 ErrGeneration。
func (o *Orchestrator) attemptShot(ctx context.Context, run *models.ProductionRun, shot *models.Shot, criteria []string, voiceID string) (*shotArtifacts, error) {
	for shot.RetryCount < o.maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := buildPrompt(shot)
		refFrame := run.AnchorImageUrl
		if shot.ShotIndex > 0 {
			refFrame = run.PreviousFrameUrl
		}

		var videoRes *VideoJobResult
		var voiceUrl string
		voiceSkipped := strings.TrimSpace(shot.Dialogue) == ""

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			res, err := o.Gen.GenerateVideo(gctx, VideoJobRequest{
				ShotId:            shot.ID,
				Prompt:            prompt,
				ReferenceFrameUrl: refFrame,
				Seed:              run.Seed,
				DurationSeconds:   shot.DurationSeconds,
				Bible:             run.CharacterBible,
			})
			if err != nil {
				return err
			}
			videoRes = res
			return nil
		})
		if !voiceSkipped {
			g.Go(func() error {
				url, err := o.Gen.GenerateVoice(gctx, shot.ID, shot.Dialogue, voiceID)
				if err != nil {
					return err
				}
				voiceUrl = url
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if IsCancellation(err) || ctx.Err() != nil {
				return nil, cancelErr(ctx, err)
			}
			log.Printf("镜头 %s 第 %d 次生成失败: %v", shot.ID, shot.RetryCount+1, err)
			if rerr := o.recordFailedAttempt(ctx, shot, models.VisualDebugResult{}); rerr != nil {
				return nil, rerr
			}
			continue
		}

		// 质检门：用尾帧 + 形象档案 + 审片矫正标准打分
		verdict, err := o.Gen.DebugFrame(ctx, videoRes.EndFrameUrl, run.CharacterBible, criteria)
		if err != nil {
			if IsCancellation(err) || ctx.Err() != nil {
				return nil, cancelErr(ctx, err)
			}
			log.Printf("镜头 %s 质检调用失败: %v", shot.ID, err)
			if rerr := o.recordFailedAttempt(ctx, shot, models.VisualDebugResult{}); rerr != nil {
				return nil, rerr
			}
			continue
		}

		entry := models.VisualDebugResult{Score: verdict.Score, Passed: verdict.Passed, CorrectivePrompt: verdict.CorrectivePrompt}
		if !verdict.Passed {
			log.Printf("镜头 %s 质检未通过: score=%.2f，矫正提示: %s", shot.ID, verdict.Score, verdict.CorrectivePrompt)
			if rerr := o.recordFailedAttempt(ctx, shot, entry); rerr != nil {
				return nil, rerr
			}
			continue
		}

		// 通过质检的尝试也记档，然后把产物从 worker 临时地址转存到对象存储
		shot.VisualDebugResults = append(shot.VisualDebugResults, entry)
		clipUrl, err := o.Artifacts.Persist(ctx, videoRes.ClipUrl, artifactKey(run.ProjectId, shot.ID, "clip.mp4"))
		if err != nil {
			return nil, persistErr(ctx, err)
		}
		endFrameUrl, err := o.Artifacts.Persist(ctx, videoRes.EndFrameUrl, artifactKey(run.ProjectId, shot.ID, "end_frame.png"))
		if err != nil {
			return nil, persistErr(ctx, err)
		}
		finalVoiceUrl := ""
		if !voiceSkipped {
			finalVoiceUrl, err = o.Artifacts.Persist(ctx, voiceUrl, artifactKey(run.ProjectId, shot.ID, "voice.mp3"))
			if err != nil {
				return nil, persistErr(ctx, err)
			}
		}
		return &shotArtifacts{
			ClipUrl:      clipUrl,
			EndFrameUrl:  endFrameUrl,
			VoiceUrl:     finalVoiceUrl,
			VoiceSkipped: voiceSkipped,
		}, nil
	}
	return nil, fmt.Errorf("镜头 %s 连续 %d 次尝试未通过质检: %w", shot.ID, shot.RetryCount, ErrGeneration)
}

func (o *Orchestrator) recordFailedAttempt(ctx context.Context, shot *models.Shot, entry models.VisualDebugResult) error {
	shot.VisualDebugResults = append(shot.VisualDebugResults, entry)
	shot.RetryCount++
	return o.Store.UpdateShotFields(ctx, shot.ProjectId, shot.ID, map[string]interface{}{
		"retry_count":          shot.RetryCount,
		"visual_debug_results": shot.VisualDebugResults,
	})
}

// PrepareRetry 把失败镜头重置回 pending（retry_count 清零，质检历史保留），
// 游标拨回第一个被重置的镜头。已完成镜头不会被动到，也不会再扣费。
func (o *Orchestrator) PrepareRetry(ctx context.Context, projectID string) (*models.ProductionRun, error) {
	run, err := o.Store.GetRunByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("没有生产批次: %w", ErrPrecondition)
		}
		return nil, err
	}
	if run.Running {
		return nil, fmt.Errorf("生产流水线执行中，不能重试")
	}

	shots, err := o.Store.GetShots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	firstReset := -1
	for i := range shots {
		if shots[i].Status != models.ShotStatusFailed {
			continue
		}
		if err := o.Store.UpdateShotFields(ctx, projectID, shots[i].ID, map[string]interface{}{
			"status":      models.ShotStatusPending,
			"retry_count": 0,
			"error":       "",
		}); err != nil {
			return nil, err
		}
		if firstReset == -1 {
			firstReset = i
		}
	}
	if firstReset == -1 {
		return nil, fmt.Errorf("没有失败的镜头可重试")
	}

	newIndex := run.CurrentShotIndex
	if firstReset < newIndex {
		newIndex = firstReset
	}
	if err := o.Store.UpdateRunFields(ctx, run.ID, map[string]interface{}{
		"current_shot_index": newIndex,
		"status":             models.RunStatusIdle,
		"halt_reason":        "",
	}); err != nil {
		return nil, err
	}
	run.CurrentShotIndex = newIndex
	run.Status = models.RunStatusIdle
	log.Printf("项目 %s 失败镜头已重置，游标回到 #%d", projectID, newIndex)
	return run, nil
}

// CancelProduction 取消执行中的流水线：通过注册表掐掉任务上下文，
// 流水线在下一个挂起点观察到取消后自行善后
func (o *Orchestrator) CancelProduction(ctx context.Context, projectID string) error {
	run, err := o.Store.GetRunByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("没有生产批次: %w", ErrPrecondition)
		}
		return err
	}
	if !run.Running {
		return fmt.Errorf("生产流水线未在执行")
	}
	if run.TaskId == "" || !CancelPollTask(run.TaskId) {
		return fmt.Errorf("执行中的任务 %s 未注册，无法取消", run.TaskId)
	}
	log.Printf("项目 %s 的生产任务 %s 已发出取消", projectID, run.TaskId)
	return nil
}

// buildPrompt 视频生成提示词：描述 + 情绪 + 转场，
// 重试时把历次质检给的矫正提示词按序追加
func buildPrompt(shot *models.Shot) string {
	var b strings.Builder
	b.WriteString(shot.Description)
	if shot.Mood != "" {
		fmt.Fprintf(&b, ", mood: %s", shot.Mood)
	}
	if shot.TransitionOut != "" {
		fmt.Fprintf(&b, ", transition out: %s", shot.TransitionOut)
	}
	for _, r := range shot.VisualDebugResults {
		if r.CorrectivePrompt != "" {
			b.WriteString(". ")
			b.WriteString(r.CorrectivePrompt)
		}
	}
	return b.String()
}

func artifactKey(projectID, shotID, name string) string {
	return fmt.Sprintf("projects/%s/shots/%s/%s", projectID, shotID, name)
}

func cancelErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func persistErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("产物转存失败: %w", err)
}
