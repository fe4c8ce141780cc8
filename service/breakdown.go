package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ScriptToScreen-server/models"
)

// ScriptService 剧本生成服务依赖面
type ScriptService interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (string, error)
}

// BreakdownEngine 梗概 -> 剧本 -> 有序分镜列表。
// 单字段缺失一律用默认值补齐；整个剧本为空/解析不出任何镜头才算致命失败，
// 此时不落任何半成品镜头，项目直接置 failed。
type BreakdownEngine struct {
	Store  Store
	Script ScriptService
}

func NewBreakdownEngine(store Store, script ScriptService) *BreakdownEngine {
	return &BreakdownEngine{Store: store, Script: script}
}

func (e *BreakdownEngine) Run(ctx context.Context, projectID string) error {
	project, err := e.Store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("project not found: %w", err)
	}

	raw, err := e.Script.GenerateScript(ctx, ScriptRequest{
		Title:          project.Title,
		Genre:          project.Genre,
		Synopsis:       project.Synopsis,
		TargetDuration: project.TargetDuration,
	})
	if err != nil {
		if IsCancellation(err) {
			return err
		}
		e.markFailed(ctx, projectID)
		return fmt.Errorf("剧本生成失败: %v: %w", err, ErrScriptGeneration)
	}

	shots, err := ParseScript(projectID, raw, project.TargetDuration)
	if err != nil {
		e.markFailed(ctx, projectID)
		return err
	}

	if err := e.Store.CreateShots(ctx, shots); err != nil {
		return fmt.Errorf("批量创建分镜失败: %w", err)
	}
	log.Printf("项目 %s 拆解出 %d 个镜头", projectID, len(shots))

	return e.Store.UpdateProjectFields(ctx, projectID, map[string]interface{}{
		"generated_script": raw,
		"status":           models.ProjectStatusShotsReady,
	})
}

func (e *BreakdownEngine) markFailed(ctx context.Context, projectID string) {
	if err := e.Store.UpdateProjectFields(ctx, projectID, map[string]interface{}{
		"status": models.ProjectStatusFailed,
	}); err != nil {
		log.Printf("标记项目失败状态出错: %v", err)
	}
}

var sceneHeaderRe = regexp.MustCompile(`(?i)^scene\s+(\d+)\s*[:：]?\s*(.*)$`)

// ParseScript 把剧本原文解析成有序分镜。格式约定（script 服务的输出契约）：
//
//	Scene 1: 雨夜码头
//	Description: 主角站在集装箱阴影里
//	Dialogue: 这批货，今晚必须离港。
//	Mood: tense
//	Transition: cut
//	Duration: 6
//
// 块内缺字段补默认值（时长 5 秒、情绪 neutral、描述回退到标题）；
// 总时长与目标偏差超过 20% 时按比例缩放。
// 一个镜头都解析不出来返回 ErrScriptGeneration。
func ParseScript(projectID, raw string, targetDuration int) ([]models.Shot, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("剧本为空: %w", ErrScriptGeneration)
	}

	type block struct {
		title       string
		description []string
		dialogue    string
		mood        string
		transition  string
		duration    float64
	}

	var blocks []*block
	var cur *block
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := sceneHeaderRe.FindStringSubmatch(line); m != nil {
			cur = &block{title: strings.TrimSpace(m[2])}
			blocks = append(blocks, cur)
			continue
		}
		if cur == nil {
			// 首个 Scene 头之前的旁白/标题行，不属于任何镜头
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			key, value, found = strings.Cut(line, "：")
		}
		if found {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "description":
				cur.description = append(cur.description, strings.TrimSpace(value))
				continue
			case "dialogue":
				cur.dialogue = strings.TrimSpace(value)
				continue
			case "mood":
				cur.mood = strings.ToLower(strings.TrimSpace(value))
				continue
			case "transition":
				cur.transition = strings.ToLower(strings.TrimSpace(value))
				continue
			case "duration":
				if d, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && d > 0 {
					cur.duration = d
				}
				continue
			}
		}
		// 无法识别的行当作描述的延续
		cur.description = append(cur.description, line)
	}

	now := time.Now()
	var shots []models.Shot
	for _, b := range blocks {
		title := b.title
		desc := strings.Join(b.description, " ")
		if title == "" && desc == "" {
			// 空块丢弃
			continue
		}
		idx := len(shots)
		if title == "" {
			title = fmt.Sprintf("Scene %d", idx+1)
		}
		if desc == "" {
			desc = title
		}
		mood := b.mood
		if mood == "" {
			mood = "neutral"
		}
		duration := b.duration
		if duration <= 0 {
			duration = 5
		}
		shots = append(shots, models.Shot{
			ID:              fmt.Sprintf("S%02d", idx+1),
			ProjectId:       projectID,
			ShotIndex:       idx,
			Title:           title,
			Description:     desc,
			Dialogue:        b.dialogue,
			Mood:            mood,
			TransitionOut:   b.transition,
			DurationSeconds: duration,
			Status:          models.ShotStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	if len(shots) == 0 {
		return nil, fmt.Errorf("剧本中解析不出任何镜头: %w", ErrScriptGeneration)
	}

	scaleDurations(shots, targetDuration)
	return shots, nil
}

// scaleDurations 总时长偏离目标超过 20% 时整体等比缩放，保留一位小数，
// 单镜头不压到 1 秒以下
func scaleDurations(shots []models.Shot, targetDuration int) {
	if targetDuration <= 0 {
		return
	}
	var total float64
	for _, s := range shots {
		total += s.DurationSeconds
	}
	if total == 0 {
		return
	}
	target := float64(targetDuration)
	if math.Abs(total-target)/target <= 0.2 {
		return
	}
	factor := target / total
	for i := range shots {
		d := math.Round(shots[i].DurationSeconds*factor*10) / 10
		if d < 1 {
			d = 1
		}
		shots[i].DurationSeconds = d
	}
}
