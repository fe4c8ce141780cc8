package service

import (
	"context"
	"fmt"
	"log"

	"ScriptToScreen-server/models"
)

// VisionService 参考图分析服务依赖面
type VisionService interface {
	AnalyzeReference(ctx context.Context, imageUrl, subjectName string) (*models.CharacterBible, error)
}

// AnchorAnalyzer 参考图 -> 形象档案。分析服务给不全的字段按主体名模板补齐，
// 保证档案任何字段都非空，下游构造提示词时不用判缺。
type AnchorAnalyzer struct {
	Store  Store
	Vision VisionService
}

func NewAnchorAnalyzer(store Store, vision VisionService) *AnchorAnalyzer {
	return &AnchorAnalyzer{Store: store, Vision: vision}
}

func (a *AnchorAnalyzer) Run(ctx context.Context, projectID, imageUrl, subjectName string) error {
	partial, err := a.Vision.AnalyzeReference(ctx, imageUrl, subjectName)
	if err != nil {
		if IsCancellation(err) {
			return err
		}
		// analysis_complete 保持原样，用户可换图重试
		return fmt.Errorf("参考图分析失败: %v: %w", err, ErrReferenceAnalysis)
	}

	bible := CompleteBible(partial, subjectName)
	log.Printf("项目 %s 形象档案就绪，主体: %s", projectID, bible.SubjectName)

	return a.Store.UpdateProjectFields(ctx, projectID, map[string]interface{}{
		"anchor_image_url":  imageUrl,
		"character_bible":   bible,
		"analysis_complete": true,
	})
}

// 兜底负向提示词，分析服务没给时使用
var defaultNegativePrompts = []string{
	"different person",
	"inconsistent face",
	"changed outfit",
	"extra limbs",
	"distorted anatomy",
}

// CompleteBible 补齐形象档案的缺失字段。模板是固定字符串，
// 同样的输入永远补出同样的档案。
func CompleteBible(partial *models.CharacterBible, subjectName string) models.CharacterBible {
	var bible models.CharacterBible
	if partial != nil {
		bible = *partial
	}
	if bible.SubjectName == "" {
		bible.SubjectName = subjectName
	}
	if bible.SubjectName == "" {
		bible.SubjectName = "the main character"
	}
	name := bible.SubjectName
	if bible.FrontView == "" {
		bible.FrontView = fmt.Sprintf("front view of %s, facing camera, full detail", name)
	}
	if bible.SideView == "" {
		bible.SideView = fmt.Sprintf("side profile of %s, consistent facial structure", name)
	}
	if bible.BackView == "" {
		bible.BackView = fmt.Sprintf("back view of %s, consistent hair and outfit", name)
	}
	if bible.Hair == "" {
		bible.Hair = fmt.Sprintf("%s's hairstyle, kept identical across shots", name)
	}
	if bible.Clothing == "" {
		bible.Clothing = fmt.Sprintf("%s's outfit, kept identical across shots", name)
	}
	if bible.DistinguishingFeatures == "" {
		bible.DistinguishingFeatures = fmt.Sprintf("distinctive features of %s preserved in every frame", name)
	}
	if len(bible.NegativePrompts) == 0 {
		bible.NegativePrompts = append([]string{}, defaultNegativePrompts...)
	}
	return bible
}
