package api

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"ScriptToScreen-server/models"
	"ScriptToScreen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建项目并触发分镜拆解
func CreateProject(c *gin.Context) {
	var req struct {
		Title          string `form:"title" json:"title"`
		Genre          string `form:"genre" json:"genre"`
		Synopsis       string `form:"synopsis" json:"synopsis"`
		TargetDuration int    `form:"target_duration" json:"target_duration"`
		QualityTier    string `form:"quality_tier" json:"quality_tier"`
		VoiceId        string `form:"voice_id" json:"voice_id"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Synopsis == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "synopsis is required"})
		return
	}

	// 默认目标时长与档位
	if req.TargetDuration <= 0 {
		req.TargetDuration = 60
	}
	if req.QualityTier == "" {
		req.QualityTier = models.QualityTierStandard
	}
	if req.QualityTier != models.QualityTierStandard && req.QualityTier != models.QualityTierProfessional {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的质量档位: " + req.QualityTier})
		return
	}

	project := models.Project{
		ID:             uuid.NewString(),
		Title:          req.Title,
		Genre:          req.Genre,
		Synopsis:       req.Synopsis,
		TargetDuration: req.TargetDuration,
		Status:         models.ProjectStatusCreated,
		QualityTier:    req.QualityTier,
		VoiceId:        req.VoiceId,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	// 1) 插入 project 到 DB
	if err := models.CreateProject(&project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	// 2) 创建分镜拆解任务并入队
	breakdownTask := models.Task{
		ID:        uuid.NewString(),
		ProjectId: project.ID,
		Type:      models.TaskTypeBreakdown,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "项目已创建，正在拆解分镜...",
		Parameters: models.TaskParameters{
			Breakdown: &models.BreakdownParams{
				Title:          req.Title,
				Genre:          req.Genre,
				Synopsis:       req.Synopsis,
				TargetDuration: req.TargetDuration,
			},
		},
		Result:    models.TaskResult{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := models.CreateTask(&breakdownTask); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建分镜任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueTask(breakdownTask.ID); err != nil {
		log.Printf("分镜任务入队失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"task_id":    breakdownTask.ID,
	})
}

// 获取项目详情（聚合分镜、生产批次、最近任务）
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	shots, err := models.GetShotsByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	// 生产批次（可能还没有）
	var run *models.ProductionRun
	if r, err := models.GetRunByProjectIDGorm(models.GormDB, projectID); err == nil {
		run = r
	}

	// 最近一次审片结论（可能还没有）
	var audit *models.Audit
	if a, err := models.GetLatestAuditGorm(models.GormDB, projectID); err == nil {
		audit = a
	}

	// 获取最近任务（如果有）
	var recentTask *models.Task
	row := models.DB.QueryRow(`SELECT id, project_id, shot_id, type, status, progress, message, parameters, result, error, estimated_duration, started_at, finished_at, created_at, updated_at FROM task WHERE project_id = ? ORDER BY created_at DESC LIMIT 1`, projectID)
	var t models.Task
	var paramsBytes, resultBytes []byte
	var startedAt, finishedAt, createdAt, updatedAt sql.NullTime
	var shotIDNull sql.NullString
	var messageNull sql.NullString
	var errorNull sql.NullString

	if err := row.Scan(&t.ID, &t.ProjectId, &shotIDNull, &t.Type, &t.Status, &t.Progress, &messageNull, &paramsBytes, &resultBytes, &errorNull, &t.EstimatedDuration, &startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		if err != sql.ErrNoRows {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "查询最近任务失败: " + err.Error()})
			return
		}
		// 没有任务，recentTask 保持 nil
	} else {
		if shotIDNull.Valid {
			t.ShotId = shotIDNull.String
		}
		if messageNull.Valid {
			t.Message = messageNull.String
		}
		if errorNull.Valid {
			t.Error = errorNull.String
		}
		_ = json.Unmarshal(paramsBytes, &t.Parameters)
		_ = json.Unmarshal(resultBytes, &t.Result)
		if startedAt.Valid {
			t.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			t.FinishedAt = finishedAt.Time
		}
		if createdAt.Valid {
			t.CreatedAt = createdAt.Time
		}
		if updatedAt.Valid {
			t.UpdatedAt = updatedAt.Time
		}
		recentTask = &t
	}

	c.JSON(http.StatusOK, gin.H{
		"project_detail": project,
		"shots":          shots,
		"production_run": run,
		"latest_audit":   audit,
		"recent_task":    recentTask,
	})
}

// 更新项目信息。提供 synopsis/genre/target_duration 时会重建分镜，
// 已放行生产的项目不允许重建。
func UpdateProject(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Title          string `form:"title" json:"title"`
		Synopsis       string `form:"synopsis" json:"synopsis"`
		Genre          string `form:"genre" json:"genre"`
		TargetDuration int    `form:"target_duration" json:"target_duration"`
		VoiceId        string `form:"voice_id" json:"voice_id"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	// 1) 标题/配音角色这类轻量字段直接更新
	if req.Title != "" {
		if err := models.UpdateProjectByID(projectID, req.Title, project.Synopsis); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新项目失败: " + err.Error()})
			return
		}
	}
	if req.VoiceId != "" {
		if _, err := models.DB.Exec(`UPDATE project SET voice_id = ?, updated_at = ? WHERE id = ?`, req.VoiceId, time.Now(), projectID); err != nil {
			log.Printf("更新 voice_id 失败: %v", err)
		}
	}

	rebuild := req.Synopsis != "" || req.Genre != "" || req.TargetDuration > 0
	if !rebuild {
		updated, _ := models.GetProjectByID(projectID)
		c.JSON(http.StatusOK, gin.H{"project": updated})
		return
	}

	// 2) 重建分镜前置检查：放行之后分镜列表就冻结了
	if _, err := models.GetRunByProjectIDGorm(models.GormDB, projectID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "项目已放行生产，不能重建分镜"})
		return
	}

	// 3) 先取消正在 processing 的任务（尝试向 Worker 发起取消）
	rows, err := models.DB.Query(`SELECT id, result FROM task WHERE project_id = ? AND status = ?`, projectID, models.TaskStatusProcessing)
	if err != nil {
		log.Printf("查询 processing 任务失败: %v", err)
	} else {
		defer rows.Close()
		for rows.Next() {
			var tid string
			var resBytes []byte
			if err := rows.Scan(&tid, &resBytes); err != nil {
				continue
			}
			var tr models.TaskResult
			if len(resBytes) > 0 {
				_ = json.Unmarshal(resBytes, &tr)
			}
			if tr.ResourceId != "" {
				if err := service.CancelWorkerJob(tr.ResourceId); err != nil {
					log.Printf("通知 worker 删除 job %s 失败: %v", tr.ResourceId, err)
				} else {
					log.Printf("已通知 worker 删除 job %s", tr.ResourceId)
				}
			}
			if cancelled := service.CancelPollTask(tid); cancelled {
				log.Printf("Cancelled poll for task %s", tid)
			}
			msg := "cancelled due to project update"
			if err := models.UpdateTaskStatus(tid, models.TaskStatusCancelled, nil, &msg, nil, nil, nil, nil); err != nil {
				log.Printf("标记任务取消失败 %s: %v", tid, err)
			}
		}
	}

	// 4) 删除旧的未开始任务，避免重复
	if res, err := models.DB.Exec(`DELETE FROM task WHERE project_id = ? AND status = ?`, projectID, models.TaskStatusPending); err != nil {
		log.Printf("删除旧任务失败: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("Deleted %d pending tasks for project %s", n, projectID)
	}

	// 5) 清掉旧分镜与旧脚本，项目退回 created
	if _, err := models.DB.Exec(`DELETE FROM shot WHERE project_id = ?`, projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清理旧分镜失败: " + err.Error()})
		return
	}

	synopsis := project.Synopsis
	if req.Synopsis != "" {
		synopsis = req.Synopsis
	}
	genre := project.Genre
	if req.Genre != "" {
		genre = req.Genre
	}
	targetDuration := project.TargetDuration
	if req.TargetDuration > 0 {
		targetDuration = req.TargetDuration
	}
	title := project.Title
	if req.Title != "" {
		title = req.Title
	}
	if _, err := models.DB.Exec(`UPDATE project SET synopsis = ?, genre = ?, target_duration = ?, generated_script = '', status = ?, updated_at = ? WHERE id = ?`,
		synopsis, genre, targetDuration, models.ProjectStatusCreated, time.Now(), projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新项目失败: " + err.Error()})
		return
	}

	// 6) 重新创建分镜拆解任务
	breakdownTask := models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.TaskTypeBreakdown,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Message:   "梗概已更新，正在重新拆解分镜...",
		Parameters: models.TaskParameters{
			Breakdown: &models.BreakdownParams{
				Title:          title,
				Genre:          genre,
				Synopsis:       synopsis,
				TargetDuration: targetDuration,
			},
		},
		Result:    models.TaskResult{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := models.CreateTask(&breakdownTask); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建分镜任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueTask(breakdownTask.ID); err != nil {
		log.Printf("分镜任务入队失败: %v", err)
	}

	updatedProject, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"id":      projectID,
			"task_id": breakdownTask.ID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project": updatedProject,
		"task_id": breakdownTask.ID,
	})
}

// 删除项目
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")

	// 在删除前取消正在 processing 的任务并标记 cancelled
	rows, err := models.DB.Query(`SELECT id, result FROM task WHERE project_id = ? AND status = ?`, projectID, models.TaskStatusProcessing)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var tid string
			var resBytes []byte
			if err := rows.Scan(&tid, &resBytes); err != nil {
				continue
			}
			var tr models.TaskResult
			if len(resBytes) > 0 {
				_ = json.Unmarshal(resBytes, &tr)
			}
			if tr.ResourceId != "" {
				if err := service.CancelWorkerJob(tr.ResourceId); err != nil {
					log.Printf("通知 worker 删除 job %s 失败: %v", tr.ResourceId, err)
				} else {
					log.Printf("已通知 worker 删除 job %s", tr.ResourceId)
				}
			}
			if service.CancelPollTask(tid) {
				log.Printf("Cancelled poll for task %s before project delete", tid)
			}
			msg := "cancelled due to project delete"
			_ = models.UpdateTaskStatus(tid, models.TaskStatusCancelled, nil, &msg, nil, nil, nil, nil)
		}
	}

	// 数据库删除项目（级联删除分镜、批次、配音轨、账单与任务）
	if err := models.DeleteProjectByID(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleteAt": time.Now(),
		"message":  "项目已删除",
	})
}
