package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"ScriptToScreen-server/models"
	"ScriptToScreen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 触发一次审片（异步任务）
func RunAudit(c *gin.Context) {
	projectID := c.Param("project_id")

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	shots, err := models.GetShotsByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}
	if len(shots) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "项目还没有分镜，先完成分镜拆解"})
		return
	}

	task := models.Task{
		ID:         uuid.NewString(),
		ProjectId:  projectID,
		Type:       models.TaskTypeAudit,
		Status:     models.TaskStatusPending,
		Progress:   0,
		Message:    "审片任务排队中",
		Parameters: models.TaskParameters{},
		Result:     models.TaskResult{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := models.CreateTask(&task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueTask(task.ID); err != nil {
		log.Printf("审片任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"task_id":    task.ID,
		"message":    "审片任务已创建",
	})
}

// 查询最近一次审片结论
func GetLatestAudit(c *gin.Context) {
	projectID := c.Param("project_id")

	audit, err := models.GetLatestAuditGorm(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "还没有审片结论: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": audit})
}

// 把审片建议落到分镜上（只动 description/dialogue）
func ApplyAuditSuggestion(c *gin.Context) {
	projectID := c.Param("project_id")

	var req struct {
		ShotId string `form:"shot_id" json:"shot_id"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ShotId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shot_id is required"})
		return
	}

	shot, err := service.Audit.ApplySuggestion(c.Request.Context(), projectID, req.ShotId)
	if err != nil {
		if errors.Is(err, service.ErrAudit) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shot":    shot,
		"message": "审片建议已应用",
	})
}

// 人工放行。幂等：重复放行返回同一个生产批次。
func ApproveAudit(c *gin.Context) {
	projectID := c.Param("project_id")

	var req struct {
		QualityTier string `form:"quality_tier" json:"quality_tier"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := service.Audit.Approve(c.Request.Context(), projectID, req.QualityTier)
	if err != nil {
		if errors.Is(err, service.ErrPrecondition) {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "放行失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"approved":       true,
		"production_run": run,
	})
}
