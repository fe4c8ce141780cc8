package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ScriptToScreen-server/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkerClient(endpoint string) *WorkerClient {
	return &WorkerClient{
		Endpoint:     endpoint,
		pollInterval: 5 * time.Millisecond,
		pollTimeout:  2 * time.Second,
		httpClient:   &http.Client{},
	}
}

func TestWorkerGenerateVideoDispatchAndPoll(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	var dispatchedType string
	var dispatchedParams map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		dispatchedType, _ = body["type"].(string)
		dispatchedParams, _ = body["parameters"].(map[string]interface{})
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
	})
	mux.HandleFunc("/v1/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			json.NewEncoder(w).Encode(map[string]interface{}{"id": "job-1", "status": "processing", "progress": 40})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "job-1",
			"status": "finished",
			"result": map[string]interface{}{
				"resource_url":  "https://worker.local/tmp/S01/clip.mp4",
				"end_frame_url": "https://worker.local/tmp/S01/end.png",
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestWorkerClient(srv.URL)
	res, err := client.GenerateVideo(context.Background(), VideoJobRequest{
		ShotId:            "S01",
		Prompt:            "雨夜码头, mood: tense",
		ReferenceFrameUrl: "https://minio.local/videos/anchors/P1.png",
		Seed:              424242,
		DurationSeconds:   5,
		Bible:             CompleteBible(nil, "Mira"),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://worker.local/tmp/S01/clip.mp4", res.ClipUrl)
	assert.Equal(t, "https://worker.local/tmp/S01/end.png", res.EndFrameUrl)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "video_generation", dispatchedType)
	assert.Equal(t, "S01", dispatchedParams["shot_id"])
	assert.Equal(t, float64(424242), dispatchedParams["seed"])
	assert.Equal(t, "https://minio.local/videos/anchors/P1.png", dispatchedParams["reference_frame_url"])
	assert.NotEmpty(t, dispatchedParams["negative_prompts"])
}

func TestWorkerReportsJobFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-2"})
	})
	mux.HandleFunc("/v1/jobs/job-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "failed", "error": "NSFW content rejected"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestWorkerClient(srv.URL).GenerateVoice(context.Background(), "S01", "台词", "zh_female_story")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NSFW")
}

func TestWorkerCancellationDeletesRemoteJob(t *testing.T) {
	deleted := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-3"})
	})
	mux.HandleFunc("/v1/jobs/job-3", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted <- struct{}{}
			json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "processing"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// 取消兜底的 DELETE 走全局配置里的 worker 地址
	prev := config.AppConfig.Worker.Addr
	config.AppConfig.Worker.Addr = srv.URL
	defer func() { config.AppConfig.Worker.Addr = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := newTestWorkerClient(srv.URL).GenerateVoice(ctx, "S01", "台词", "zh_female_story")
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("取消后没有对远端 job 发出 DELETE")
	}
}

func TestWorkerDebugFrameInlineVerdict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-4"})
	})
	mux.HandleFunc("/v1/jobs/job-4", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "succeeded",
			"result": map[string]interface{}{"score": 0.83, "passed": true, "corrective_prompt": "tighten the collar"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	verdict, err := newTestWorkerClient(srv.URL).DebugFrame(context.Background(), "https://worker.local/tmp/S01/end.png", CompleteBible(nil, "Mira"), []string{"keep the coat dark"})
	require.NoError(t, err)
	assert.Equal(t, 0.83, verdict.Score)
	assert.True(t, verdict.Passed)
	assert.Equal(t, "tighten the collar", verdict.CorrectivePrompt)
}

func TestWorkerGenerateScriptFetchesResource(t *testing.T) {
	script := "Scene 1: 雨夜码头\nDescription: 主角清点货柜\n"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-5"})
	})
	mux.HandleFunc("/v1/jobs/job-5", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "completed",
			"result": map[string]interface{}{"resource_url": "http://" + r.Host + "/res/script.txt"},
		})
	})
	mux.HandleFunc("/res/script.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(script))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := newTestWorkerClient(srv.URL).GenerateScript(context.Background(), ScriptRequest{Title: "离港", Synopsis: "走私团伙的最后一夜", TargetDuration: 60})
	require.NoError(t, err)
	assert.Equal(t, script, got)
}

func TestWorkerVideoResultMissingUrls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-6"})
	})
	mux.HandleFunc("/v1/jobs/job-6", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "finished",
			"result": map[string]interface{}{"resource_url": "https://worker.local/tmp/S01/clip.mp4"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestWorkerClient(srv.URL).GenerateVideo(context.Background(), VideoJobRequest{ShotId: "S01"})
	assert.Error(t, err)
}
