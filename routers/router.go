package routers

import (
	"ScriptToScreen-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Static("/static", "./static")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PUT("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.GET("/tasks/:task_id", api.GetTaskStatus)

		v1.GET("/projects/:project_id/shots", api.GetShots)
		v1.GET("/projects/:project_id/shots/:shot_id", api.GetShotDetail)
		v1.POST("/projects/:project_id/shots/:shot_id", api.UpdateShot)

		v1.POST("/projects/:project_id/anchor", api.AnalyzeAnchor)
		v1.GET("/projects/:project_id/anchor", api.GetAnchor)

		v1.POST("/projects/:project_id/audit", api.RunAudit)
		v1.GET("/projects/:project_id/audit", api.GetLatestAudit)
		v1.POST("/projects/:project_id/audit/apply", api.ApplyAuditSuggestion)
		v1.POST("/projects/:project_id/audit/approve", api.ApproveAudit)

		v1.POST("/projects/:project_id/production/start", api.StartProduction)
		v1.POST("/projects/:project_id/production/cancel", api.CancelProduction)
		v1.POST("/projects/:project_id/production/retry", api.RetryFailedShots)
		v1.GET("/projects/:project_id/production", api.GetProductionState)
		v1.GET("/projects/:project_id/credits", api.GetCredits)

		v1.GET("/projects/:project_id/review", api.GetPlaybackManifest)
		v1.POST("/projects/:project_id/export", api.ExportProject)
	}
	r.GET("/tasks/:task_id/wss", api.TaskProgressWebSocket)
	r.GET("/projects/:project_id/production/wss", api.ProductionProgressWebSocket)
	return r
}
