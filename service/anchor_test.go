package service

import (
	"context"
	"fmt"
	"testing"

	"ScriptToScreen-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteBibleFillsMissingFields(t *testing.T) {
	partial := &models.CharacterBible{Hair: "silver bob cut"}
	bible := CompleteBible(partial, "Mira")

	// 给了的字段原样保留，缺的字段按主体名模板补齐
	assert.Equal(t, "silver bob cut", bible.Hair)
	assert.Equal(t, "Mira", bible.SubjectName)
	assert.Contains(t, bible.FrontView, "Mira")
	assert.Contains(t, bible.SideView, "Mira")
	assert.Contains(t, bible.BackView, "Mira")
	assert.Contains(t, bible.Clothing, "Mira")
	assert.Contains(t, bible.DistinguishingFeatures, "Mira")
	assert.NotEmpty(t, bible.NegativePrompts)
}

func TestCompleteBibleNoFieldLeftEmpty(t *testing.T) {
	bible := CompleteBible(nil, "")
	assert.Equal(t, "the main character", bible.SubjectName)
	assert.NotEmpty(t, bible.FrontView)
	assert.NotEmpty(t, bible.SideView)
	assert.NotEmpty(t, bible.BackView)
	assert.NotEmpty(t, bible.Hair)
	assert.NotEmpty(t, bible.Clothing)
	assert.NotEmpty(t, bible.DistinguishingFeatures)
	assert.NotEmpty(t, bible.NegativePrompts)
}

func TestCompleteBibleIsDeterministic(t *testing.T) {
	partial := &models.CharacterBible{SubjectName: "阿远", Clothing: "黑色风衣"}
	first := CompleteBible(partial, "")
	second := CompleteBible(partial, "")
	assert.Equal(t, first, second)
}

func TestCompleteBiblePrefersAnalyzedSubjectName(t *testing.T) {
	// 分析服务给了主体名时，调用方传的名字只是兜底
	partial := &models.CharacterBible{SubjectName: "Mira"}
	bible := CompleteBible(partial, "别的名字")
	assert.Equal(t, "Mira", bible.SubjectName)
}

func newAnchorFixture() (*memStore, *fakeVision, *AnchorAnalyzer) {
	store := newMemStore()
	vision := &fakeVision{}
	return store, vision, NewAnchorAnalyzer(store, vision)
}

func TestAnchorRunCompletesProfile(t *testing.T) {
	store, vision, analyzer := newAnchorFixture()
	store.putProject(models.Project{ID: "P1", Status: models.ProjectStatusShotsReady})
	vision.fn = func(imageUrl, subjectName string) (*models.CharacterBible, error) {
		return &models.CharacterBible{Hair: "short black hair"}, nil
	}

	err := analyzer.Run(context.Background(), "P1", "https://cdn.local/ref/mira.png", "Mira")
	require.NoError(t, err)

	project, err := store.GetProject(context.Background(), "P1")
	require.NoError(t, err)
	assert.True(t, project.AnalysisComplete)
	assert.Equal(t, "https://cdn.local/ref/mira.png", project.AnchorImageUrl)
	assert.Equal(t, "short black hair", project.CharacterBible.Hair)
	assert.Equal(t, "Mira", project.CharacterBible.SubjectName)
	assert.NotEmpty(t, project.CharacterBible.FrontView)
}

func TestAnchorRunFailureKeepsFlagDown(t *testing.T) {
	store, vision, analyzer := newAnchorFixture()
	store.putProject(models.Project{ID: "P1", Status: models.ProjectStatusShotsReady})
	vision.fn = func(imageUrl, subjectName string) (*models.CharacterBible, error) {
		return nil, fmt.Errorf("vision 服务超时")
	}

	err := analyzer.Run(context.Background(), "P1", "https://cdn.local/ref/bad.png", "Mira")
	assert.ErrorIs(t, err, ErrReferenceAnalysis)

	project, _ := store.GetProject(context.Background(), "P1")
	assert.False(t, project.AnalysisComplete)
	assert.Empty(t, project.AnchorImageUrl)
}

func TestAnchorRunReanalysisReplacesProfile(t *testing.T) {
	store, vision, analyzer := newAnchorFixture()
	store.putProject(models.Project{ID: "P1", Status: models.ProjectStatusShotsReady})

	require.NoError(t, analyzer.Run(context.Background(), "P1", "https://cdn.local/ref/a.png", "Mira"))
	require.NoError(t, analyzer.Run(context.Background(), "P1", "https://cdn.local/ref/b.png", "Nora"))

	project, _ := store.GetProject(context.Background(), "P1")
	assert.True(t, project.AnalysisComplete)
	assert.Equal(t, "https://cdn.local/ref/b.png", project.AnchorImageUrl)
	assert.Equal(t, "Nora", project.CharacterBible.SubjectName)
	assert.Len(t, vision.calls, 2)
}
