package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"strings"
	"time"

	"ScriptToScreen-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/ScriptToScreen.sql）
	b, err := ioutil.ReadFile("doc/sql/ScriptToScreen.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// ReconcileInterrupted 服务重启对账：上一进程崩溃时残留的 generating 镜头
// 回退为 pending（生成结果已不可信，等用户显式续跑，不自动重进流水线），
// running 批次落为 halted，processing 任务直接标失败。
func ReconcileInterrupted() {
	now := time.Now()

	res, err := DB.Exec(`UPDATE shot SET status = ?, updated_at = ? WHERE status = ?`,
		ShotStatusPending, now, ShotStatusGenerating)
	if err != nil {
		log.Printf("重启对账失败（shot）: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("重启对账：%d 个残留 generating 镜头已回退 pending", n)
	}

	res, err = DB.Exec(`UPDATE production_run SET running = 0, status = ?, halt_reason = ?, updated_at = ? WHERE running = 1`,
		RunStatusHalted, HaltReasonInterrupted, now)
	if err != nil {
		log.Printf("重启对账失败（production_run）: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("重启对账：%d 个生产批次已停住，等待用户续跑", n)
	}

	if _, err = DB.Exec(`UPDATE project SET status = ?, updated_at = ? WHERE status = ?`,
		ProjectStatusHalted, now, ProjectStatusProducing); err != nil {
		log.Printf("重启对账失败（project）: %v", err)
	}

	if _, err = DB.Exec(`UPDATE task SET status = ?, error = ?, finished_at = ?, updated_at = ? WHERE status = ?`,
		TaskStatusFailed, "interrupted by restart", now, now, TaskStatusProcessing); err != nil {
		log.Printf("重启对账失败（task）: %v", err)
	}
}

// Project CRUD
func CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	bible, _ := json.Marshal(p.CharacterBible)
	_, err := DB.Exec(
		`INSERT INTO project (id, title, genre, synopsis, target_duration, status, generated_script, quality_tier, voice_id, anchor_image_url, character_bible, analysis_complete, audit_approved, video_url, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Genre, p.Synopsis, p.TargetDuration, p.Status, p.GeneratedScript, p.QualityTier, p.VoiceId, p.AnchorImageUrl, bible, p.AnalysisComplete, p.AuditApproved, p.VideoUrl, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func GetProjectByID(id string) (Project, error) {
	var p Project
	row := DB.QueryRow(`SELECT id, title, genre, synopsis, target_duration, status, generated_script, quality_tier, voice_id, anchor_image_url, character_bible, analysis_complete, audit_approved, video_url, created_at, updated_at FROM project WHERE id = ?`, id)
	var createdAt, updatedAt time.Time
	if err := row.Scan(&p.ID, &p.Title, &p.Genre, &p.Synopsis, &p.TargetDuration, &p.Status, &p.GeneratedScript, &p.QualityTier, &p.VoiceId, &p.AnchorImageUrl, &p.CharacterBible, &p.AnalysisComplete, &p.AuditApproved, &p.VideoUrl, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return p, nil
}

func UpdateProjectByID(id string, title, synopsis string) error {
	_, err := DB.Exec(`UPDATE project SET title = ?, synopsis = ?, updated_at = ? WHERE id = ?`, title, synopsis, time.Now(), id)
	return err
}

// DeleteProjectByID 连带清掉项目的全部派生数据
func DeleteProjectByID(id string) error {
	for _, q := range []string{
		`DELETE FROM voice_track WHERE run_id IN (SELECT id FROM production_run WHERE project_id = ?)`,
		`DELETE FROM production_run WHERE project_id = ?`,
		`DELETE FROM charge WHERE project_id = ?`,
		`DELETE FROM audit WHERE project_id = ?`,
		`DELETE FROM task WHERE project_id = ?`,
		`DELETE FROM shot WHERE project_id = ?`,
		`DELETE FROM project WHERE id = ?`,
	} {
		if _, err := DB.Exec(q, id); err != nil {
			return err
		}
	}
	return nil
}

// Shot CRUD
func GetShotsByProjectID(projectID string) ([]Shot, error) {
	rows, err := DB.Query(`SELECT id, project_id, shot_index, title, description, dialogue, mood, transition_out, duration_seconds, status, video_url, end_frame_url, retry_count, visual_debug_results, error, created_at, updated_at FROM shot WHERE project_id = ? ORDER BY shot_index ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Shot
	for rows.Next() {
		var s Shot
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&s.ID, &s.ProjectId, &s.ShotIndex, &s.Title, &s.Description, &s.Dialogue, &s.Mood, &s.TransitionOut, &s.DurationSeconds, &s.Status, &s.VideoUrl, &s.EndFrameUrl, &s.RetryCount, &s.VisualDebugResults, &s.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.CreatedAt = createdAt
		s.UpdatedAt = updatedAt
		res = append(res, s)
	}
	return res, nil
}

func GetShotByID(projectID, shotID string) (Shot, error) {
	var s Shot
	row := DB.QueryRow(`SELECT id, project_id, shot_index, title, description, dialogue, mood, transition_out, duration_seconds, status, video_url, end_frame_url, retry_count, visual_debug_results, error, created_at, updated_at FROM shot WHERE id = ? AND project_id = ?`, shotID, projectID)
	var createdAt, updatedAt time.Time
	if err := row.Scan(&s.ID, &s.ProjectId, &s.ShotIndex, &s.Title, &s.Description, &s.Dialogue, &s.Mood, &s.TransitionOut, &s.DurationSeconds, &s.Status, &s.VideoUrl, &s.EndFrameUrl, &s.RetryCount, &s.VisualDebugResults, &s.Error, &createdAt, &updatedAt); err != nil {
		return s, err
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return s, nil
}

// UpdateShotContent 只允许改 description/dialogue（其余字段归流水线所有）。
// 传 nil 表示不更新该字段；dialogue 允许显式清空。
func UpdateShotContent(projectID, shotID string, description, dialogue *string) error {
	// 动态构建更新字段
	sets := []string{}
	args := []interface{}{}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *description)
	}
	if dialogue != nil {
		sets = append(sets, "dialogue = ?")
		args = append(args, *dialogue)
	}
	if len(sets) == 0 {
		// 无需更新
		return nil
	}
	query := fmt.Sprintf("UPDATE shot SET %s, updated_at = ? WHERE id = ? AND project_id = ?", strings.Join(sets, ", "))
	args = append(args, time.Now(), shotID, projectID)
	_, err := DB.Exec(query, args...)
	return err
}

// Task create helper
func CreateTask(t *Task) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	params, _ := json.Marshal(t.Parameters)
	result, _ := json.Marshal(t.Result)

	// started_at / finished_at 如果是零值则传 nil
	var startedAtParam interface{}
	if t.StartedAt.IsZero() {
		startedAtParam = nil
	} else {
		startedAtParam = t.StartedAt
	}
	var finishedAtParam interface{}
	if t.FinishedAt.IsZero() {
		finishedAtParam = nil
	} else {
		finishedAtParam = t.FinishedAt
	}

	_, err := DB.Exec(`INSERT INTO task (id, project_id, shot_id, type, status, progress, message, parameters, result, error, estimated_duration, started_at, finished_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectId, t.ShotId, t.Type, t.Status, t.Progress, t.Message, params, result, t.Error, t.EstimatedDuration, startedAtParam, finishedAtParam, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func GetTaskByID(id string) (Task, error) {
	var t Task
	row := DB.QueryRow(`SELECT id, project_id, shot_id, type, status, progress, message, parameters, result, error, estimated_duration, started_at, finished_at, created_at, updated_at FROM task WHERE id = ?`, id)

	var paramsBytes, resultBytes []byte
	var startedAt, finishedAt, createdAt, updatedAt sql.NullTime
	var shotIDNull sql.NullString
	var messageNull sql.NullString
	var errorNull sql.NullString

	if err := row.Scan(&t.ID, &t.ProjectId, &shotIDNull, &t.Type, &t.Status, &t.Progress, &messageNull, &paramsBytes, &resultBytes, &errorNull, &t.EstimatedDuration, &startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return t, err
	}

	if shotIDNull.Valid {
		t.ShotId = shotIDNull.String
	}
	if messageNull.Valid {
		t.Message = messageNull.String
	} else {
		t.Message = ""
	}
	if errorNull.Valid {
		t.Error = errorNull.String
	} else {
		t.Error = ""
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
	return t, nil
}

// UpdateTaskStatus 更新任务的状态/进度/消息/结果等（部分字段允许为空）
func UpdateTaskStatus(id string, status string, progress *int, message *string, result *TaskResult, errStr *string, startedAt *time.Time, finishedAt *time.Time) error {
	// 动态构建更新字段
	sets := []string{}
	args := []interface{}{}

	if status != "" {
		sets = append(sets, "status = ?")
		args = append(args, status)
	}
	if progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *progress)
	}
	if message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *message)
	}
	if result != nil {
		b, _ := json.Marshal(result)
		sets = append(sets, "result = ?")
		args = append(args, b)
	}
	if errStr != nil {
		sets = append(sets, "error = ?")
		args = append(args, *errStr)
	}
	if startedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *startedAt)
	}
	if finishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *finishedAt)
	}

	// 必须至少有一个字段更新
	if len(sets) == 0 {
		// 仅更新时间戳
		_, err := DB.Exec(`UPDATE task SET updated_at = ? WHERE id = ?`, time.Now(), id)
		return err
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now())

	query := fmt.Sprintf("UPDATE task SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)

	_, err := DB.Exec(query, args...)
	return err
}
