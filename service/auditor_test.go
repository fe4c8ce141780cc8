package service

import (
	"context"
	"fmt"
	"testing"

	"ScriptToScreen-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditorFixture() (*memStore, *fakeCritique, *Auditor) {
	store := newMemStore()
	critique := &fakeCritique{}
	return store, critique, NewAuditor(store, critique)
}

func seedAuditableProject(store *memStore) {
	store.putProject(models.Project{
		ID:               "P1",
		Status:           models.ProjectStatusShotsReady,
		QualityTier:      models.QualityTierStandard,
		AnchorImageUrl:   "https://minio.local/videos/anchors/P1.png",
		CharacterBible:   CompleteBible(nil, "Mira"),
		AnalysisComplete: true,
	})
	store.putShot(models.Shot{ID: "S01", ProjectId: "P1", ShotIndex: 0, Description: "雨夜码头", Dialogue: "今晚离港。", Mood: "tense", DurationSeconds: 6, Status: models.ShotStatusPending})
	store.putShot(models.Shot{ID: "S02", ProjectId: "P1", ShotIndex: 1, Description: "仓库对峙", Mood: "neutral", DurationSeconds: 5, Status: models.ShotStatusPending})
}

func TestRunAuditRecordsVerdict(t *testing.T) {
	store, critique, auditor := newAuditorFixture()
	seedAuditableProject(store)
	critique.fn = func(shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error) {
		assert.Len(t, shots, 2)
		assert.Equal(t, "Mira", bible.SubjectName)
		return &AuditVerdict{
			Score:             0.82,
			Suggestions:       []models.AuditSuggestion{{ShotId: "S01", Description: "加一盏探照灯扫过", Note: "缺少纵深"}},
			CorrectivePrompts: []string{"keep the coat dark"},
		}, nil
	}

	require.NoError(t, auditor.RunAudit(context.Background(), "P1"))

	audit, err := store.GetLatestAudit(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 0.82, audit.Score)
	assert.True(t, audit.Passed)
	assert.Len(t, audit.Suggestions, 1)
	assert.Equal(t, []string{"keep the coat dark"}, []string(audit.CorrectivePrompts))
}

func TestRunAuditLowScoreStillRecorded(t *testing.T) {
	store, critique, auditor := newAuditorFixture()
	seedAuditableProject(store)
	critique.fn = func(shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error) {
		return &AuditVerdict{Score: 0.41}, nil
	}

	// 分数不过线只影响 passed 标记，审片本身照常落档
	require.NoError(t, auditor.RunAudit(context.Background(), "P1"))
	audit, err := store.GetLatestAudit(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, audit.Passed)
}

func TestRunAuditRequiresShots(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	store.putProject(models.Project{ID: "P1", Status: models.ProjectStatusCreated})

	err := auditor.RunAudit(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrAudit)
}

func TestRunAuditServiceFailureLeavesNoVerdict(t *testing.T) {
	store, critique, auditor := newAuditorFixture()
	seedAuditableProject(store)
	critique.fn = func(shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error) {
		return nil, fmt.Errorf("critique 服务超时")
	}

	err := auditor.RunAudit(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrAudit)
	_, err = store.GetLatestAudit(context.Background(), "P1")
	assert.Error(t, err)
}

func TestApplySuggestionOverwritesContentOnly(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)
	store.putAudit(models.Audit{
		ID:        "A1",
		ProjectId: "P1",
		Score:     0.6,
		Suggestions: models.AuditSuggestions{
			{ShotId: "S01", Description: "探照灯扫过集装箱", Dialogue: ""},
		},
	})

	shot, err := auditor.ApplySuggestion(context.Background(), "P1", "S01")
	require.NoError(t, err)

	// description 覆写、dialogue 允许清空，其余字段一概不动
	assert.Equal(t, "探照灯扫过集装箱", shot.Description)
	assert.Equal(t, "", shot.Dialogue)
	assert.Equal(t, "tense", shot.Mood)
	assert.Equal(t, 6.0, shot.DurationSeconds)
	assert.Equal(t, models.ShotStatusPending, shot.Status)
}

func TestApplySuggestionEmptyDescriptionKeepsOld(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)
	store.putAudit(models.Audit{
		ID:        "A1",
		ProjectId: "P1",
		Suggestions: models.AuditSuggestions{
			{ShotId: "S02", Description: "", Dialogue: "你不该来的。"},
		},
	})

	shot, err := auditor.ApplySuggestion(context.Background(), "P1", "S02")
	require.NoError(t, err)
	assert.Equal(t, "仓库对峙", shot.Description)
	assert.Equal(t, "你不该来的。", shot.Dialogue)
}

func TestApplySuggestionRequiresAuditAndSuggestion(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)

	_, err := auditor.ApplySuggestion(context.Background(), "P1", "S01")
	assert.ErrorIs(t, err, ErrAudit)

	store.putAudit(models.Audit{ID: "A1", ProjectId: "P1", Suggestions: models.AuditSuggestions{{ShotId: "S02", Dialogue: "x"}}})
	_, err = auditor.ApplySuggestion(context.Background(), "P1", "S01")
	assert.ErrorIs(t, err, ErrAudit)
}

func TestApplySuggestionRejectsNonPendingShot(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)
	store.putShot(models.Shot{ID: "S03", ProjectId: "P1", ShotIndex: 2, Description: "旧描述", Status: models.ShotStatusCompleted})
	store.putAudit(models.Audit{ID: "A1", ProjectId: "P1", Suggestions: models.AuditSuggestions{{ShotId: "S03", Description: "新描述"}}})

	_, err := auditor.ApplySuggestion(context.Background(), "P1", "S03")
	assert.Error(t, err)

	shot, _ := store.GetShot(context.Background(), "P1", "S03")
	assert.Equal(t, "旧描述", shot.Description)
}

func TestApproveCreatesRunAndIsIdempotent(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)
	store.putAudit(models.Audit{ID: "A1", ProjectId: "P1", Score: 0.82, Passed: true})

	first, err := auditor.Approve(context.Background(), "P1", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusIdle, first.Status)
	assert.Equal(t, models.QualityTierStandard, first.QualityTier)
	assert.Equal(t, "https://minio.local/videos/anchors/P1.png", first.AnchorImageUrl)
	assert.Equal(t, "Mira", first.CharacterBible.SubjectName)

	project, _ := store.GetProject(context.Background(), "P1")
	assert.True(t, project.AuditApproved)

	// 重复放行返回同一个批次，种子和档位不变
	second, err := auditor.Approve(context.Background(), "P1", models.QualityTierProfessional)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seed, second.Seed)
	assert.Equal(t, models.QualityTierStandard, second.QualityTier)
}

func TestApproveRequiresAuditFirst(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)

	_, err := auditor.Approve(context.Background(), "P1", "")
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = store.GetRunByProject(context.Background(), "P1")
	assert.Error(t, err)
	project, _ := store.GetProject(context.Background(), "P1")
	assert.False(t, project.AuditApproved)
}

func TestApproveValidatesTier(t *testing.T) {
	store, _, auditor := newAuditorFixture()
	seedAuditableProject(store)
	store.putAudit(models.Audit{ID: "A1", ProjectId: "P1"})

	_, err := auditor.Approve(context.Background(), "P1", "cinema")
	assert.Error(t, err)
	_, err = store.GetRunByProject(context.Background(), "P1")
	assert.Error(t, err)

	run, err := auditor.Approve(context.Background(), "P1", models.QualityTierProfessional)
	require.NoError(t, err)
	assert.Equal(t, models.QualityTierProfessional, run.QualityTier)

	project, _ := store.GetProject(context.Background(), "P1")
	assert.Equal(t, models.QualityTierProfessional, project.QualityTier)
}
