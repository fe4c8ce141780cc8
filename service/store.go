package service

import (
	"context"

	"ScriptToScreen-server/models"

	"gorm.io/gorm"
)

// Store 流水线各环节对持久层的全部依赖。
// 正式实现走 GORM；测试里用内存假实现替换，找不到记录统一返回
// gorm.ErrRecordNotFound，调用方只认这一个哨兵。
type Store interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	UpdateProjectFields(ctx context.Context, projectID string, updates map[string]interface{}) error

	CreateShots(ctx context.Context, shots []models.Shot) error
	GetShots(ctx context.Context, projectID string) ([]models.Shot, error)
	GetShot(ctx context.Context, projectID, shotID string) (*models.Shot, error)
	UpdateShotFields(ctx context.Context, projectID, shotID string, updates map[string]interface{}) error

	CreateRun(ctx context.Context, run *models.ProductionRun) error
	GetRun(ctx context.Context, runID string) (*models.ProductionRun, error)
	GetRunByProject(ctx context.Context, projectID string) (*models.ProductionRun, error)
	ClaimRun(ctx context.Context, runID, taskID string) (bool, error)
	FinishRun(ctx context.Context, runID, status, haltReason string) error
	AdvanceRun(ctx context.Context, runID string, nextIndex int, previousFrameUrl string) error
	UpdateRunFields(ctx context.Context, runID string, updates map[string]interface{}) error

	UpsertVoiceTrack(ctx context.Context, track *models.VoiceTrack) error
	GetVoiceTracks(ctx context.Context, runID string) ([]models.VoiceTrack, error)

	CreateCharge(ctx context.Context, charge *models.Charge) error
	GetCharge(ctx context.Context, projectID, shotID string) (*models.Charge, error)
	UpdateChargeStatus(ctx context.Context, projectID, shotID, status string) error

	CreateAudit(ctx context.Context, audit *models.Audit) error
	GetLatestAudit(ctx context.Context, projectID string) (*models.Audit, error)
}

type dbStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &dbStore{db: db}
}

func (s *dbStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	return models.GetProjectByIDGorm(s.db.WithContext(ctx), projectID)
}

func (s *dbStore) UpdateProjectFields(ctx context.Context, projectID string, updates map[string]interface{}) error {
	p := models.Project{ID: projectID}
	return p.UpdateFields(s.db.WithContext(ctx), updates)
}

func (s *dbStore) CreateShots(ctx context.Context, shots []models.Shot) error {
	return models.BatchCreateShots(s.db.WithContext(ctx), shots)
}

func (s *dbStore) GetShots(ctx context.Context, projectID string) ([]models.Shot, error) {
	return models.GetShotsByProjectIDGorm(s.db.WithContext(ctx), projectID)
}

func (s *dbStore) GetShot(ctx context.Context, projectID, shotID string) (*models.Shot, error) {
	return models.GetShotByIDGorm(s.db.WithContext(ctx), projectID, shotID)
}

func (s *dbStore) UpdateShotFields(ctx context.Context, projectID, shotID string, updates map[string]interface{}) error {
	sh := models.Shot{ID: shotID, ProjectId: projectID}
	return sh.UpdateFields(s.db.WithContext(ctx), updates)
}

func (s *dbStore) CreateRun(ctx context.Context, run *models.ProductionRun) error {
	return models.CreateRun(s.db.WithContext(ctx), run)
}

func (s *dbStore) GetRun(ctx context.Context, runID string) (*models.ProductionRun, error) {
	return models.GetRunByIDGorm(s.db.WithContext(ctx), runID)
}

func (s *dbStore) GetRunByProject(ctx context.Context, projectID string) (*models.ProductionRun, error) {
	return models.GetRunByProjectIDGorm(s.db.WithContext(ctx), projectID)
}

func (s *dbStore) ClaimRun(ctx context.Context, runID, taskID string) (bool, error) {
	return models.ClaimRun(s.db.WithContext(ctx), runID, taskID)
}

func (s *dbStore) FinishRun(ctx context.Context, runID, status, haltReason string) error {
	r := models.ProductionRun{ID: runID}
	return r.Finish(s.db.WithContext(ctx), status, haltReason)
}

func (s *dbStore) AdvanceRun(ctx context.Context, runID string, nextIndex int, previousFrameUrl string) error {
	r := models.ProductionRun{ID: runID}
	return r.Advance(s.db.WithContext(ctx), nextIndex, previousFrameUrl)
}

func (s *dbStore) UpdateRunFields(ctx context.Context, runID string, updates map[string]interface{}) error {
	r := models.ProductionRun{ID: runID}
	return r.UpdateFields(s.db.WithContext(ctx), updates)
}

func (s *dbStore) UpsertVoiceTrack(ctx context.Context, track *models.VoiceTrack) error {
	return track.Upsert(s.db.WithContext(ctx))
}

func (s *dbStore) GetVoiceTracks(ctx context.Context, runID string) ([]models.VoiceTrack, error) {
	return models.GetVoiceTracksByRunIDGorm(s.db.WithContext(ctx), runID)
}

func (s *dbStore) CreateCharge(ctx context.Context, charge *models.Charge) error {
	return models.CreateCharge(s.db.WithContext(ctx), charge)
}

func (s *dbStore) GetCharge(ctx context.Context, projectID, shotID string) (*models.Charge, error) {
	return models.GetChargeGorm(s.db.WithContext(ctx), projectID, shotID)
}

func (s *dbStore) UpdateChargeStatus(ctx context.Context, projectID, shotID, status string) error {
	c := models.Charge{ProjectId: projectID, ShotId: shotID}
	return c.UpdateStatus(s.db.WithContext(ctx), status)
}

func (s *dbStore) CreateAudit(ctx context.Context, audit *models.Audit) error {
	return models.CreateAudit(s.db.WithContext(ctx), audit)
}

func (s *dbStore) GetLatestAudit(ctx context.Context, projectID string) (*models.Audit, error) {
	return models.GetLatestAuditGorm(s.db.WithContext(ctx), projectID)
}
