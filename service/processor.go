package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// 业务单例，InitServices 里统一装配，handler 和 processor 共用
var (
	DataStore Store
	Worker    *WorkerClient
	Billing   *BillingGuard
	Breakdown *BreakdownEngine
	Anchor    *AnchorAnalyzer
	Audit     *Auditor
	Pipeline  *Orchestrator
	Review    *Assembler
)

// InitServices 装配业务层，在 InitDB/InitQueue/InitMinIO/InitLedger 之后调用
func InitServices() {
	store := NewStore(models.GormDB)
	artifacts := NewMinioStore()

	DataStore = store
	Worker = NewWorkerClient()
	Billing = NewBillingGuard(store, Ledger)
	Breakdown = NewBreakdownEngine(store, Worker)
	Anchor = NewAnchorAnalyzer(store, Worker)
	Audit = NewAuditor(store, Worker)
	Pipeline = NewOrchestrator(store, Billing, Worker, artifacts)
	Review = NewAssembler(store, Worker, artifacts)
	log.Println("业务服务装配完成")
}

// poll 取消注册表（taskID -> cancelFunc）
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterPollCancel 注册任务的 cancelFunc（由 HandleGenerateTask 在开始处理时调用）
func RegisterPollCancel(taskID string, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[taskID] = cancel
}

// UnregisterPollCancel 注销任务的 cancelFunc（在处理结束时调用）
func UnregisterPollCancel(taskID string) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, taskID)
}

// CancelPollTask 外部调用以取消正在执行的任务，返回是否实际找到并取消
func CancelPollTask(taskID string) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[taskID]; ok {
		cancel()
		delete(pollCancelRegistry.m, taskID)
		return true
	}
	return false
}

// Processor 处理队列任务
type Processor struct {
	DB *gorm.DB
}

func NewProcessor(db *gorm.DB) *Processor {
	return &Processor{DB: db}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateTask, p.HandleGenerateTask)

	log.Printf("Starting Task Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandleGenerateTask 核心处理逻辑。
// 业务失败写进任务状态后返回 nil，不触发 asynq 的投递重试；
// 只有任务记录本身取不到这类基础问题才交给队列重试。
func (p *Processor) HandleGenerateTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := models.GetTaskByIDGorm(p.DB, payload.TaskID)
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}

	log.Printf("Processing Task: %s | Type: %s", task.ID, task.Type)
	if err := task.UpdateStatus(p.DB, models.TaskStatusProcessing, nil, ""); err != nil {
		log.Printf("UpdateStatus processing failed: %v", err)
	}

	// 为任务创建可取消的子上下文并注册 cancel（外部 API 可通过 CancelPollTask 取消）
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	RegisterPollCancel(task.ID, cancel)
	defer UnregisterPollCancel(task.ID)

	var result *models.TaskResult
	var procErr error

	switch task.Type {
	case models.TaskTypeBreakdown: // 梗概 -> 分镜列表
		procErr = Breakdown.Run(taskCtx, task.ProjectId)

	case models.TaskTypeAnchor: // 参考图 -> 形象档案
		params := task.Parameters.Anchor
		if params == nil {
			procErr = fmt.Errorf("missing anchor parameters")
		} else {
			procErr = Anchor.Run(taskCtx, task.ProjectId, params.ImageUrl, params.SubjectName)
		}

	case models.TaskTypeAudit: // 分镜列表 -> 审片结论
		procErr = Audit.RunAudit(taskCtx, task.ProjectId)

	case models.TaskTypeProduction: // 逐镜头生产流水线
		params := task.Parameters.Production
		if params == nil {
			procErr = fmt.Errorf("missing production parameters")
		} else {
			procErr = Pipeline.Execute(taskCtx, params.RunId, task.ID)
		}

	case models.TaskTypeExport: // 成片合成导出
		audioMix := AudioMixFull
		if task.Parameters.Export != nil && task.Parameters.Export.AudioMix != "" {
			audioMix = task.Parameters.Export.AudioMix
		}
		var exportUrl string
		exportUrl, procErr = Review.ExportSequence(taskCtx, task.ProjectId, audioMix)
		if procErr == nil {
			result = &models.TaskResult{ResourceType: "video", ResourceUrl: exportUrl}
		}

	default:
		task.UpdateStatus(p.DB, models.TaskStatusFailed, nil, fmt.Sprintf("unknown task type: %s", task.Type))
		return nil
	}

	switch {
	case procErr == nil:
		task.UpdateStatus(p.DB, models.TaskStatusSuccess, result, "")
		log.Printf("Task %s completed successfully", task.ID)
	case IsCancellation(procErr):
		task.UpdateStatus(p.DB, models.TaskStatusCancelled, nil, "cancelled by user")
		log.Printf("Task %s cancelled", task.ID)
	default:
		log.Printf("[Error] 任务处理失败: %v", procErr)
		task.UpdateStatus(p.DB, models.TaskStatusFailed, nil, procErr.Error())
	}
	return nil
}
