package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"ScriptToScreen-server/models"
	"ScriptToScreen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 业务错误 -> HTTP 状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrNothingToExport):
		return http.StatusConflict
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// 启动生产流水线。前置检查不过（形象档案/审片放行/批次状态）直接 412，零副作用。
func StartProduction(c *gin.Context) {
	projectID := c.Param("project_id")

	run, err := service.Pipeline.PreflightStart(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	task := models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.TaskTypeProduction,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "生产流水线任务排队中",
		Parameters: models.TaskParameters{
			Production: &models.ProductionParams{RunId: run.ID},
		},
		Result:    models.TaskResult{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := models.CreateTask(&task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueTask(task.ID); err != nil {
		log.Printf("生产任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":     projectID,
		"task_id":        task.ID,
		"production_run": run,
		"message":        "生产流水线已启动",
	})
}

// 取消执行中的流水线。进行中的镜头会回退 pending 且不扣费。
func CancelProduction(c *gin.Context) {
	projectID := c.Param("project_id")

	if err := service.Pipeline.CancelProduction(c.Request.Context(), projectID); err != nil {
		if errors.Is(err, service.ErrPrecondition) {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"message":    "已发出取消，流水线将在当前挂起点停下",
	})
}

// 重试失败镜头：失败镜头重置回 pending 后重新入队执行，已完成镜头不受影响
func RetryFailedShots(c *gin.Context) {
	projectID := c.Param("project_id")

	run, err := service.Pipeline.PrepareRetry(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, service.ErrPrecondition) {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	task := models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.TaskTypeProduction,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "失败镜头重试任务排队中",
		Parameters: models.TaskParameters{
			Production: &models.ProductionParams{RunId: run.ID},
		},
		Result:    models.TaskResult{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := models.CreateTask(&task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueTask(task.ID); err != nil {
		log.Printf("重试任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":     projectID,
		"task_id":        task.ID,
		"production_run": run,
		"message":        "失败镜头已重置并重新入队",
	})
}

// 查询生产状态（批次 + 全部镜头 + 配音轨）
func GetProductionState(c *gin.Context) {
	projectID := c.Param("project_id")

	run, err := models.GetRunByProjectIDGorm(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有生产批次: " + err.Error()})
		return
	}
	shots, err := models.GetShotsByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}
	tracks, err := models.GetVoiceTracksByRunIDGorm(models.GormDB, run.ID)
	if err != nil {
		log.Printf("获取配音轨失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"production_run": run,
		"shots":          shots,
		"voice_tracks":   tracks,
	})
}

// 查询项目在账本侧的可用余额（透传外部账本服务）
func GetCredits(c *gin.Context) {
	projectID := c.Param("project_id")

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	balance, err := service.Ledger.Balance(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询账本余额失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"balance":    balance,
	})
}

// 生产进度 WebSocket 推送：轮询 DB，批次或镜头状态有变化就推
func ProductionProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	snapshot := func() (gin.H, string, string, error) {
		run, err := models.GetRunByProjectIDGorm(models.GormDB, projectID)
		if err != nil {
			return nil, "", "", err
		}
		shots, err := models.GetShotsByProjectID(projectID)
		if err != nil {
			return nil, "", "", err
		}
		statuses := make([]string, 0, len(shots))
		for _, s := range shots {
			statuses = append(statuses, s.Status)
		}
		key := fmt.Sprintf("%s|%d|%s", run.Status, run.CurrentShotIndex, strings.Join(statuses, ","))
		return gin.H{"production_run": run, "shots": shots}, key, run.Status, nil
	}

	payload, prevKey, runStatus, err := snapshot()
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "production run not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(payload)
	if runStatus == models.RunStatusCompleted || runStatus == models.RunStatusHalted || runStatus == models.RunStatusCancelled {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		payload, key, status, err := snapshot()
		if err != nil {
			continue
		}
		if key != prevKey {
			if err := conn.WriteJSON(payload); err != nil {
				break
			}
			prevKey = key
		}
		// 批次到终态后推最后一帧并断开
		if status == models.RunStatusCompleted || status == models.RunStatusHalted || status == models.RunStatusCancelled {
			_ = conn.WriteJSON(payload)
			break
		}
	}
}
