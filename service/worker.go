package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"github.com/google/uuid"
)

// Worker 协议：POST /v1/generate 下发得到 job id，GET /v1/jobs/{id} 轮询，
// DELETE /v1/jobs/{id} 取消。所有生成类外部服务（剧本/参考图/审片/视频/配音/质检/导出）
// 都挂在同一个 worker 网关后面，按 type 路由。

func CancelWorkerJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	url := config.AppConfig.Worker.Addr + "/v1/jobs/" + jobID
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var respData map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&respData)
		return fmt.Errorf("worker delete status: %d, body: %+v", resp.StatusCode, respData)
	}
	return nil
}

type WorkerClient struct {
	Endpoint     string
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
}

func NewWorkerClient() *WorkerClient {
	cfg := config.AppConfig
	return &WorkerClient{
		Endpoint:     cfg.Worker.Addr,
		pollInterval: time.Duration(cfg.Pipeline.PollIntervalSec) * time.Second,
		pollTimeout:  time.Duration(cfg.Pipeline.PollTimeoutMin) * time.Minute,
		httpClient:   &http.Client{},
	}
}

// jobResult worker 侧任务结论的通用承载，不同 type 只会填其中一部分
type jobResult struct {
	ResourceUrl      string  `json:"resource_url"`
	EndFrameUrl      string  `json:"end_frame_url"`
	Score            float64 `json:"score"`
	Passed           bool    `json:"passed"`
	CorrectivePrompt string  `json:"corrective_prompt"`
}

// dispatchJob 发送 POST 请求，返回 job_id
func (w *WorkerClient) dispatchJob(ctx context.Context, jobType string, params map[string]interface{}) (string, error) {
	reqBody := map[string]interface{}{
		"id":         uuid.NewString(),
		"type":       jobType,
		"parameters": params,
	}
	fullURL := w.Endpoint + "/v1/generate"
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %v", err)
	}
	log.Printf("POST %s type=%s", fullURL, jobType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("worker status code: %d", resp.StatusCode)
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %v", err)
	}

	// 优先返回根节点的 id
	if id, ok := respData["id"].(string); ok {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok {
		return jobID, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

// pollJob 轮询 GET /v1/jobs/{job_id} 直到完成
func (w *WorkerClient) pollJob(ctx context.Context, jobID string) (*jobResult, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.Endpoint, jobID)

	timeout := time.After(w.pollTimeout)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("polling timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				log.Printf("创建请求失败: %v", err)
				continue
			}

			resp, err := w.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}

			bodyBytes, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("读取响应体失败: %v", err)
				continue
			}
			var raw struct {
				ID       string    `json:"id"`
				Status   string    `json:"status"`
				Progress int       `json:"progress"`
				Error    string    `json:"error"`
				Result   jobResult `json:"result"`
			}
			if err := json.Unmarshal(bodyBytes, &raw); err != nil {
				bodyStr := string(bodyBytes)
				if len(bodyStr) > 2000 {
					bodyStr = bodyStr[:2000] + "..."
				}
				log.Printf("解析响应失败: %v, body: %s", err, bodyStr)
				continue
			}

			// 兼容 worker 侧几种叫法
			switch raw.Status {
			case "finished", "success", "completed", "succeeded":
				return &raw.Result, nil
			case "failed", "error":
				return nil, fmt.Errorf("worker reported failure: %s", raw.Error)
			}
			// 其他状态继续轮询
		}
	}
}

// runJob 下发 + 轮询。ctx 被取消时兜底 DELETE 远端 job，不让它占着算力跑完
func (w *WorkerClient) runJob(ctx context.Context, jobType string, params map[string]interface{}) (*jobResult, error) {
	jobID, err := w.dispatchJob(ctx, jobType, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	res, err := w.pollJob(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := CancelWorkerJob(jobID); cerr != nil {
				log.Printf("取消 worker job %s 失败: %v", jobID, cerr)
			}
			return nil, ctx.Err()
		}
		return nil, err
	}
	return res, nil
}

// fetchResource 拉取 worker 产出的资源体（剧本文本/JSON 结论）
func (w *WorkerClient) fetchResource(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("resource url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载资源失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载资源状态码: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ---------------------------------------------------------------------------
// 各业务服务的类型化入口，orchestrator/breakdown/auditor 等只依赖各自的小接口
// ---------------------------------------------------------------------------

type ScriptRequest struct {
	Title          string
	Genre          string
	Synopsis       string
	TargetDuration int
}

// GenerateScript 梗概 -> 剧本原文
func (w *WorkerClient) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	res, err := w.runJob(ctx, "script_breakdown", map[string]interface{}{
		"title":           req.Title,
		"genre":           req.Genre,
		"synopsis":        req.Synopsis,
		"target_duration": req.TargetDuration,
	})
	if err != nil {
		return "", err
	}
	body, err := w.fetchResource(ctx, res.ResourceUrl)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// AnalyzeReference 参考图 -> 形象档案（可能缺字段，由 anchor 侧补齐）
func (w *WorkerClient) AnalyzeReference(ctx context.Context, imageUrl, subjectName string) (*models.CharacterBible, error) {
	res, err := w.runJob(ctx, "reference_analysis", map[string]interface{}{
		"image_url":    imageUrl,
		"subject_name": subjectName,
	})
	if err != nil {
		return nil, err
	}
	body, err := w.fetchResource(ctx, res.ResourceUrl)
	if err != nil {
		return nil, err
	}
	var bible models.CharacterBible
	if err := json.Unmarshal(body, &bible); err != nil {
		return nil, fmt.Errorf("解析形象档案失败: %v", err)
	}
	return &bible, nil
}

type AuditVerdict struct {
	Score             float64                  `json:"score"`
	Suggestions       []models.AuditSuggestion `json:"suggestions"`
	CorrectivePrompts []string                 `json:"corrective_prompts"`
}

// AuditShots 分镜列表 + 形象档案 -> 审片结论
func (w *WorkerClient) AuditShots(ctx context.Context, shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error) {
	res, err := w.runJob(ctx, "cinematic_audit", map[string]interface{}{
		"shots":           shots,
		"character_bible": bible,
	})
	if err != nil {
		return nil, err
	}
	body, err := w.fetchResource(ctx, res.ResourceUrl)
	if err != nil {
		return nil, err
	}
	var verdict AuditVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("解析审片结论失败: %v", err)
	}
	return &verdict, nil
}

type VideoJobRequest struct {
	ShotId            string
	Prompt            string
	ReferenceFrameUrl string
	Seed              int64
	DurationSeconds   float64
	Bible             models.CharacterBible
}

type VideoJobResult struct {
	ClipUrl     string
	EndFrameUrl string
}

// GenerateVideo 单镜头视频生成，首帧引用 + 固定种子保证跨镜头形象连续
func (w *WorkerClient) GenerateVideo(ctx context.Context, req VideoJobRequest) (*VideoJobResult, error) {
	res, err := w.runJob(ctx, "video_generation", map[string]interface{}{
		"shot_id":             req.ShotId,
		"prompt":              req.Prompt,
		"reference_frame_url": req.ReferenceFrameUrl,
		"seed":                req.Seed,
		"duration_seconds":    req.DurationSeconds,
		"character_bible":     req.Bible,
		"negative_prompts":    req.Bible.NegativePrompts,
	})
	if err != nil {
		return nil, err
	}
	if res.ResourceUrl == "" || res.EndFrameUrl == "" {
		return nil, fmt.Errorf("video result missing resource_url/end_frame_url")
	}
	return &VideoJobResult{ClipUrl: res.ResourceUrl, EndFrameUrl: res.EndFrameUrl}, nil
}

// GenerateVoice 台词 -> 配音
func (w *WorkerClient) GenerateVoice(ctx context.Context, shotID, text, voiceID string) (string, error) {
	res, err := w.runJob(ctx, "voice_generation", map[string]interface{}{
		"shot_id": shotID,
		"text":    text,
		"voice":   voiceID,
	})
	if err != nil {
		return "", err
	}
	if res.ResourceUrl == "" {
		return "", fmt.Errorf("voice result missing resource_url")
	}
	return res.ResourceUrl, nil
}

type DebugVerdict struct {
	Score            float64
	Passed           bool
	CorrectivePrompt string
}

// DebugFrame Visual Debugger 质检：结论内联在 job result 里，不需要二次下载
func (w *WorkerClient) DebugFrame(ctx context.Context, frameUrl string, bible models.CharacterBible, criteria []string) (*DebugVerdict, error) {
	res, err := w.runJob(ctx, "visual_debug", map[string]interface{}{
		"frame_url":           frameUrl,
		"character_bible":     bible,
		"corrective_criteria": criteria,
	})
	if err != nil {
		return nil, err
	}
	return &DebugVerdict{Score: res.Score, Passed: res.Passed, CorrectivePrompt: res.CorrectivePrompt}, nil
}

// ExportSequence 已完成镜头按序合成成片
func (w *WorkerClient) ExportSequence(ctx context.Context, clipUrls []string, audioTracks []string, audioMix string) (string, error) {
	res, err := w.runJob(ctx, "export_sequence", map[string]interface{}{
		"clip_urls":    clipUrls,
		"audio_tracks": audioTracks,
		"audio_mix":    audioMix,
	})
	if err != nil {
		return "", err
	}
	if res.ResourceUrl == "" {
		return "", fmt.Errorf("export result missing resource_url")
	}
	return res.ResourceUrl, nil
}
