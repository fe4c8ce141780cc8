package api

import (
	"net/http"

	"ScriptToScreen-server/models"

	"github.com/gin-gonic/gin"
)

// 获取分镜列表
func GetShots(c *gin.Context) {
	projectID := c.Param("project_id")

	shots, err := models.GetShotsByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shots":       shots,
		"project_id":  projectID,
		"total_shots": len(shots),
	})
}

// 获取分镜详情
func GetShotDetail(c *gin.Context) {
	projectID := c.Param("project_id")
	shotID := c.Param("shot_id")

	shot, err := models.GetShotByID(projectID, shotID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shot": shot,
	})
}

// 更新分镜文案。只放开 description/dialogue 两个字段，
// 且仅限 pending 状态的镜头；进入生产后的镜头一律拒绝。
func UpdateShot(c *gin.Context) {
	projectID := c.Param("project_id")
	shotID := c.Param("shot_id")

	var req struct {
		Description *string `json:"description"`
		Dialogue    *string `json:"dialogue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Description == nil && req.Dialogue == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "description 或 dialogue 至少提供一个"})
		return
	}

	shot, err := models.GetShotByID(projectID, shotID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}
	if shot.Status != models.ShotStatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "镜头状态为 " + shot.Status + "，只有 pending 的镜头能改稿"})
		return
	}
	// 流水线执行中不允许改稿，避免和生成中的镜头打架
	if run, err := models.GetRunByProjectIDGorm(models.GormDB, projectID); err == nil && run.Running {
		c.JSON(http.StatusConflict, gin.H{"error": "生产流水线执行中，暂不能改稿"})
		return
	}

	if err := models.UpdateShotContent(projectID, shotID, req.Description, req.Dialogue); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新分镜失败: " + err.Error()})
		return
	}

	updated, err := models.GetShotByID(projectID, shotID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取更新结果失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shot":    updated,
		"message": "分镜文案已更新",
	})
}
