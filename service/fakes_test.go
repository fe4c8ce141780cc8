package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	cfg := &config.Config{}
	cfg.Billing.StandardCost = 10
	cfg.Billing.ProfessionalCost = 25
	cfg.Pipeline.MaxAttempts = 3
	cfg.Pipeline.AuditPassThreshold = 0.7
	cfg.Pipeline.PollIntervalSec = 1
	cfg.Pipeline.PollTimeoutMin = 1
	cfg.Voice.DefaultVoiceID = "zh_female_story"
	config.AppConfig = cfg
	os.Exit(m.Run())
}

// memStore 内存版 Store。读操作返回副本，写操作按列名套用，
// 找不到记录返回 gorm.ErrRecordNotFound，未知列名直接报错，主键写错能尽早暴露。
type memStore struct {
	mu       sync.Mutex
	projects map[string]models.Project
	shots    map[string]map[string]models.Shot
	runs     map[string]models.ProductionRun
	voices   map[string]map[string]models.VoiceTrack
	charges  map[string]models.Charge
	audits   map[string][]models.Audit
}

func newMemStore() *memStore {
	return &memStore{
		projects: map[string]models.Project{},
		shots:    map[string]map[string]models.Shot{},
		runs:     map[string]models.ProductionRun{},
		voices:   map[string]map[string]models.VoiceTrack{},
		charges:  map[string]models.Charge{},
		audits:   map[string][]models.Audit{},
	}
}

func chargeKey(projectID, shotID string) string {
	return projectID + "/" + shotID
}

func (s *memStore) putProject(p models.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *memStore) putShot(sh models.Shot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shots[sh.ProjectId] == nil {
		s.shots[sh.ProjectId] = map[string]models.Shot{}
	}
	s.shots[sh.ProjectId][sh.ID] = sh
}

func (s *memStore) putRun(r models.ProductionRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

func (s *memStore) putCharge(c models.Charge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[chargeKey(c.ProjectId, c.ShotId)] = c
}

func (s *memStore) putAudit(a models.Audit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[a.ProjectId] = append(s.audits[a.ProjectId], a)
}

func (s *memStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (s *memStore) UpdateProjectFields(ctx context.Context, projectID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			p.Status = v.(string)
		case "generated_script":
			p.GeneratedScript = v.(string)
		case "anchor_image_url":
			p.AnchorImageUrl = v.(string)
		case "character_bible":
			p.CharacterBible = v.(models.CharacterBible)
		case "analysis_complete":
			p.AnalysisComplete = v.(bool)
		case "audit_approved":
			p.AuditApproved = v.(bool)
		case "quality_tier":
			p.QualityTier = v.(string)
		case "video_url":
			p.VideoUrl = v.(string)
		default:
			return fmt.Errorf("memStore: 未知 project 列 %q", k)
		}
	}
	s.projects[projectID] = p
	return nil
}

func (s *memStore) CreateShots(ctx context.Context, shots []models.Shot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range shots {
		if s.shots[sh.ProjectId] == nil {
			s.shots[sh.ProjectId] = map[string]models.Shot{}
		}
		if _, exists := s.shots[sh.ProjectId][sh.ID]; exists {
			return fmt.Errorf("memStore: 镜头 %s 重复创建", sh.ID)
		}
		s.shots[sh.ProjectId][sh.ID] = sh
	}
	return nil
}

func (s *memStore) GetShots(ctx context.Context, projectID string) ([]models.Shot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Shot
	for _, sh := range s.shots[projectID] {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShotIndex < out[j].ShotIndex })
	return out, nil
}

func (s *memStore) GetShot(ctx context.Context, projectID, shotID string) (*models.Shot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shots[projectID][shotID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sh, nil
}

func (s *memStore) UpdateShotFields(ctx context.Context, projectID, shotID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shots[projectID][shotID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			sh.Status = v.(string)
		case "error":
			sh.Error = v.(string)
		case "video_url":
			sh.VideoUrl = v.(string)
		case "end_frame_url":
			sh.EndFrameUrl = v.(string)
		case "retry_count":
			sh.RetryCount = v.(int)
		case "visual_debug_results":
			sh.VisualDebugResults = v.(models.VisualDebugResults)
		case "description":
			sh.Description = v.(string)
		case "dialogue":
			sh.Dialogue = v.(string)
		default:
			return fmt.Errorf("memStore: 未知 shot 列 %q", k)
		}
	}
	s.shots[projectID][shotID] = sh
	return nil
}

func (s *memStore) CreateRun(ctx context.Context, run *models.ProductionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ProjectId == run.ProjectId {
			return fmt.Errorf("memStore: 项目 %s 已有生产批次", run.ProjectId)
		}
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) GetRun(ctx context.Context, runID string) (*models.ProductionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &r, nil
}

func (s *memStore) GetRunByProject(ctx context.Context, projectID string) (*models.ProductionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ProjectId == projectID {
			out := r
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) ClaimRun(ctx context.Context, runID, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if r.Running {
		return false, nil
	}
	switch r.Status {
	case models.RunStatusIdle, models.RunStatusHalted, models.RunStatusCancelled:
	default:
		return false, nil
	}
	r.Running = true
	r.Status = models.RunStatusRunning
	r.TaskId = taskID
	r.HaltReason = ""
	s.runs[runID] = r
	return true, nil
}

func (s *memStore) FinishRun(ctx context.Context, runID, status, haltReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.Running = false
	r.Status = status
	r.HaltReason = haltReason
	s.runs[runID] = r
	return nil
}

func (s *memStore) AdvanceRun(ctx context.Context, runID string, nextIndex int, previousFrameUrl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.CurrentShotIndex = nextIndex
	r.PreviousFrameUrl = previousFrameUrl
	s.runs[runID] = r
	return nil
}

func (s *memStore) UpdateRunFields(ctx context.Context, runID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			r.Status = v.(string)
		case "halt_reason":
			r.HaltReason = v.(string)
		case "current_shot_index":
			r.CurrentShotIndex = v.(int)
		case "anchor_image_url":
			r.AnchorImageUrl = v.(string)
		case "character_bible":
			r.CharacterBible = v.(models.CharacterBible)
		default:
			return fmt.Errorf("memStore: 未知 run 列 %q", k)
		}
	}
	s.runs[runID] = r
	return nil
}

func (s *memStore) UpsertVoiceTrack(ctx context.Context, track *models.VoiceTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voices[track.RunId] == nil {
		s.voices[track.RunId] = map[string]models.VoiceTrack{}
	}
	s.voices[track.RunId][track.ShotId] = *track
	return nil
}

func (s *memStore) GetVoiceTracks(ctx context.Context, runID string) ([]models.VoiceTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VoiceTrack
	for _, t := range s.voices[runID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShotId < out[j].ShotId })
	return out, nil
}

func (s *memStore) CreateCharge(ctx context.Context, charge *models.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chargeKey(charge.ProjectId, charge.ShotId)
	if _, exists := s.charges[key]; exists {
		return fmt.Errorf("memStore: 镜头 %s 的计费记录重复创建", charge.ShotId)
	}
	s.charges[key] = *charge
	return nil
}

func (s *memStore) GetCharge(ctx context.Context, projectID, shotID string) (*models.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeKey(projectID, shotID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &c, nil
}

func (s *memStore) UpdateChargeStatus(ctx context.Context, projectID, shotID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chargeKey(projectID, shotID)
	c, ok := s.charges[key]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	c.Status = status
	s.charges[key] = c
	return nil
}

func (s *memStore) CreateAudit(ctx context.Context, audit *models.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[audit.ProjectId] = append(s.audits[audit.ProjectId], *audit)
	return nil
}

func (s *memStore) GetLatestAudit(ctx context.Context, projectID string) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.audits[projectID]
	if len(list) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	a := list[len(list)-1]
	return &a, nil
}

// --- 各外部服务的假实现，fn 不设置时走默认行为 ---

type fakeScript struct {
	mu    sync.Mutex
	calls []ScriptRequest
	fn    func(req ScriptRequest) (string, error)
}

func (f *fakeScript) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("fakeScript: fn 未设置")
	}
	return fn(req)
}

type fakeVision struct {
	mu    sync.Mutex
	calls []string
	fn    func(imageUrl, subjectName string) (*models.CharacterBible, error)
}

func (f *fakeVision) AnalyzeReference(ctx context.Context, imageUrl, subjectName string) (*models.CharacterBible, error) {
	f.mu.Lock()
	f.calls = append(f.calls, imageUrl)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &models.CharacterBible{}, nil
	}
	return fn(imageUrl, subjectName)
}

type fakeCritique struct {
	mu    sync.Mutex
	calls int
	fn    func(shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error)
}

func (f *fakeCritique) AuditShots(ctx context.Context, shots []models.Shot, bible models.CharacterBible) (*AuditVerdict, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &AuditVerdict{Score: 0.85}, nil
	}
	return fn(shots, bible)
}

type fakeVoiceCall struct {
	ShotId  string
	Text    string
	VoiceId string
}

type fakeDebugCall struct {
	FrameUrl string
	Criteria []string
}

type fakeGen struct {
	mu         sync.Mutex
	videoReqs  []VideoJobRequest
	voiceCalls []fakeVoiceCall
	debugCalls []fakeDebugCall

	videoFn func(ctx context.Context, req VideoJobRequest) (*VideoJobResult, error)
	voiceFn func(ctx context.Context, shotID, text, voiceID string) (string, error)
	debugFn func(ctx context.Context, frameUrl string, criteria []string) (*DebugVerdict, error)
}

func (f *fakeGen) GenerateVideo(ctx context.Context, req VideoJobRequest) (*VideoJobResult, error) {
	f.mu.Lock()
	f.videoReqs = append(f.videoReqs, req)
	fn := f.videoFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &VideoJobResult{
		ClipUrl:     fmt.Sprintf("https://worker.local/tmp/%s/clip.mp4", req.ShotId),
		EndFrameUrl: fmt.Sprintf("https://worker.local/tmp/%s/end.png", req.ShotId),
	}, nil
}

func (f *fakeGen) GenerateVoice(ctx context.Context, shotID, text, voiceID string) (string, error) {
	f.mu.Lock()
	f.voiceCalls = append(f.voiceCalls, fakeVoiceCall{ShotId: shotID, Text: text, VoiceId: voiceID})
	fn := f.voiceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, shotID, text, voiceID)
	}
	return fmt.Sprintf("https://worker.local/tmp/%s/voice.mp3", shotID), nil
}

func (f *fakeGen) DebugFrame(ctx context.Context, frameUrl string, bible models.CharacterBible, criteria []string) (*DebugVerdict, error) {
	f.mu.Lock()
	f.debugCalls = append(f.debugCalls, fakeDebugCall{FrameUrl: frameUrl, Criteria: criteria})
	fn := f.debugFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, frameUrl, criteria)
	}
	return &DebugVerdict{Score: 0.91, Passed: true}, nil
}

func (f *fakeGen) videoReqsFor(shotID string) []VideoJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []VideoJobRequest
	for _, r := range f.videoReqs {
		if r.ShotId == shotID {
			out = append(out, r)
		}
	}
	return out
}

type fakeDebit struct {
	ShotId string
	Amount int64
}

type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	debits  []fakeDebit
}

func (f *fakeLedger) Balance(ctx context.Context, projectID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) Debit(ctx context.Context, projectID, shotID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance -= amount
	f.debits = append(f.debits, fakeDebit{ShotId: shotID, Amount: amount})
	return nil
}

func (f *fakeLedger) setBalance(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = v
}

func (f *fakeLedger) currentBalance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

func (f *fakeLedger) debitsFor(shotID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.debits {
		if d.ShotId == shotID {
			n++
		}
	}
	return n
}

type fakeArtifacts struct {
	mu      sync.Mutex
	objects []string
	fn      func(sourceURL, objectName string) (string, error)
}

func (f *fakeArtifacts) Persist(ctx context.Context, sourceURL, objectName string) (string, error) {
	f.mu.Lock()
	f.objects = append(f.objects, objectName)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(sourceURL, objectName)
	}
	return "https://minio.local/videos/" + objectName, nil
}

type fakeExporter struct {
	mu    sync.Mutex
	calls int
	clips []string
	audio []string
	mix   string
	fn    func(clipUrls, audioTracks []string, audioMix string) (string, error)
}

func (f *fakeExporter) ExportSequence(ctx context.Context, clipUrls []string, audioTracks []string, audioMix string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.clips = append([]string{}, clipUrls...)
	f.audio = append([]string{}, audioTracks...)
	f.mix = audioMix
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(clipUrls, audioTracks, audioMix)
	}
	return "https://worker.local/tmp/export.mp4", nil
}
