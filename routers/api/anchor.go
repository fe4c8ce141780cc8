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

// 提交参考图分析，生成角色形象档案
func AnalyzeAnchor(c *gin.Context) {
	projectID := c.Param("project_id")

	var req struct {
		ImageUrl    string `form:"image_url" json:"image_url"`
		SubjectName string `form:"subject_name" json:"subject_name"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ImageUrl == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_url is required"})
		return
	}

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	// 流水线跑着的时候不让换形象，批次里已经锁了快照
	if run, err := models.GetRunByProjectIDGorm(models.GormDB, projectID); err == nil && run.Running {
		c.JSON(http.StatusConflict, gin.H{"error": "生产流水线执行中，不能更换参考形象"})
		return
	}

	task := models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.TaskTypeAnchor,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "参考图分析任务排队中",
		Parameters: models.TaskParameters{
			Anchor: &models.AnchorParams{
				ImageUrl:    req.ImageUrl,
				SubjectName: req.SubjectName,
			},
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
		log.Printf("参考图分析任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"task_id":    task.ID,
		"message":    "参考图分析任务已创建",
	})
}

// 查询形象档案与分析状态
func GetAnchor(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":        projectID,
		"analysis_complete": project.AnalysisComplete,
		"anchor_image_url":  project.AnchorImageUrl,
		"character_bible":   project.CharacterBible,
	})
}
