package api

import (
	"log"
	"net/http"
	"time"

	"ScriptToScreen-server/models"
	"ScriptToScreen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 试映清单：已完成镜头按序排出，mix 控制台词/音乐音量系数
func GetPlaybackManifest(c *gin.Context) {
	projectID := c.Param("project_id")
	mix := c.DefaultQuery("mix", service.AudioMixFull)

	if _, _, err := service.MixGains(mix); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	manifest, err := service.Review.BuildManifest(c.Request.Context(), projectID, mix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "组装试映清单失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": manifest})
}

// 导出成片（异步任务）。一个完成镜头都没有时直接 409，不建任务。
func ExportProject(c *gin.Context) {
	projectID := c.Param("project_id")

	var req struct {
		AudioMix string `form:"audio_mix" json:"audio_mix"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AudioMix == "" {
		req.AudioMix = service.AudioMixFull
	}
	if _, _, err := service.MixGains(req.AudioMix); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 导出前置检查：必须有可导出的镜头
	manifest, err := service.Review.BuildManifest(c.Request.Context(), projectID, req.AudioMix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检查导出条件失败: " + err.Error()})
		return
	}
	if len(manifest.Entries) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "没有已完成的镜头，无法导出"})
		return
	}

	task := models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.TaskTypeExport,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "成片导出任务排队中",
		Parameters: models.TaskParameters{
			Export: &models.ExportParams{AudioMix: req.AudioMix},
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
		log.Printf("导出任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"task_id":    task.ID,
		"shot_count": len(manifest.Entries),
		"audio_mix":  req.AudioMix,
		"message":    "导出任务已创建",
	})
}
