package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ScriptToScreen-server/models"

	"gorm.io/gorm"
)

// 试映音频混合模式。切换模式只改播放端音量，不触发任何重编码。
const (
	AudioMixFull         = "full"
	AudioMixDialogueOnly = "dialogue-only"
	AudioMixMusicOnly    = "music-only"
	AudioMixMute         = "mute"
)

// MixGains 混合模式 -> (台词音量, 音乐音量)
func MixGains(mode string) (float64, float64, error) {
	switch mode {
	case AudioMixFull:
		return 1, 1, nil
	case AudioMixDialogueOnly:
		return 1, 0, nil
	case AudioMixMusicOnly:
		return 0, 1, nil
	case AudioMixMute:
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("未知的音频混合模式: %s", mode)
	}
}

type PlaybackEntry struct {
	ShotId          string  `json:"shotId"`
	ShotIndex       int     `json:"shotIndex"`
	Title           string  `json:"title"`
	ClipUrl         string  `json:"clipUrl"`
	VoiceUrl        string  `json:"voiceUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// PlaybackManifest 试映清单：已完成镜头按 shot_index 顺序排出，
// 前端按音量系数播放即可，服务端不做合成
type PlaybackManifest struct {
	ProjectId      string          `json:"projectId"`
	AudioMix       string          `json:"audioMix"`
	DialogueVolume float64         `json:"dialogueVolume"`
	MusicVolume    float64         `json:"musicVolume"`
	Entries        []PlaybackEntry `json:"entries"`
}

// Exporter 成片导出的外部依赖（由 worker 实现）
type Exporter interface {
	ExportSequence(ctx context.Context, clipUrls []string, audioTracks []string, audioMix string) (string, error)
}

// Assembler 试映与导出
type Assembler struct {
	Store     Store
	Export    Exporter
	Artifacts ArtifactStore
}

func NewAssembler(store Store, exporter Exporter, artifacts ArtifactStore) *Assembler {
	return &Assembler{Store: store, Export: exporter, Artifacts: artifacts}
}

// BuildManifest 组装试映清单。没有已完成镜头时清单为空，不是错误。
func (a *Assembler) BuildManifest(ctx context.Context, projectID, mode string) (*PlaybackManifest, error) {
	if mode == "" {
		mode = AudioMixFull
	}
	dialogueVol, musicVol, err := MixGains(mode)
	if err != nil {
		return nil, err
	}

	shots, err := a.Store.GetShots(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// 配音轨挂在生产批次上，没有批次就只有画面
	voiceUrls := map[string]string{}
	if run, err := a.Store.GetRunByProject(ctx, projectID); err == nil {
		tracks, err := a.Store.GetVoiceTracks(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tracks {
			if t.Status == models.VoiceTrackStatusCompleted {
				voiceUrls[t.ShotId] = t.AudioUrl
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	manifest := &PlaybackManifest{
		ProjectId:      projectID,
		AudioMix:       mode,
		DialogueVolume: dialogueVol,
		MusicVolume:    musicVol,
		Entries:        []PlaybackEntry{},
	}
	for _, s := range shots {
		if s.Status != models.ShotStatusCompleted {
			continue
		}
		manifest.Entries = append(manifest.Entries, PlaybackEntry{
			ShotId:          s.ID,
			ShotIndex:       s.ShotIndex,
			Title:           s.Title,
			ClipUrl:         s.VideoUrl,
			VoiceUrl:        voiceUrls[s.ID],
			DurationSeconds: s.DurationSeconds,
		})
	}
	return manifest, nil
}

// ExportSequence 把已完成镜头交给导出器合成成片，按当前混合模式定音轨，
// 成片转存对象存储后落到项目上。一个完成镜头都没有时返回 ErrNothingToExport。
func (a *Assembler) ExportSequence(ctx context.Context, projectID, mode string) (string, error) {
	manifest, err := a.BuildManifest(ctx, projectID, mode)
	if err != nil {
		return "", err
	}
	if len(manifest.Entries) == 0 {
		return "", fmt.Errorf("项目 %s 没有已完成的镜头: %w", projectID, ErrNothingToExport)
	}

	clipUrls := make([]string, 0, len(manifest.Entries))
	audioTracks := make([]string, 0, len(manifest.Entries))
	for _, e := range manifest.Entries {
		clipUrls = append(clipUrls, e.ClipUrl)
		audioTracks = append(audioTracks, e.VoiceUrl)
	}

	log.Printf("项目 %s 开始导出 %d 个镜头，音频模式 %s", projectID, len(clipUrls), manifest.AudioMix)
	exportUrl, err := a.Export.ExportSequence(ctx, clipUrls, audioTracks, manifest.AudioMix)
	if err != nil {
		if IsCancellation(err) {
			return "", err
		}
		return "", fmt.Errorf("导出失败: %v: %w", err, ErrExport)
	}

	finalUrl, err := a.Artifacts.Persist(ctx, exportUrl, fmt.Sprintf("projects/%s/export.mp4", projectID))
	if err != nil {
		if IsCancellation(err) {
			return "", err
		}
		return "", fmt.Errorf("成片转存失败: %v: %w", err, ErrExport)
	}

	if err := a.Store.UpdateProjectFields(ctx, projectID, map[string]interface{}{
		"video_url": finalUrl,
		"status":    models.ProjectStatusExported,
	}); err != nil {
		return "", err
	}
	log.Printf("项目 %s 导出完成: %s", projectID, finalUrl)
	return finalUrl, nil
}
