package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"subburn/internal/adapters/blob/localfs"
	"subburn/internal/captions"
	"subburn/internal/httpapi/handlers"
	"subburn/internal/jobs"
	"subburn/internal/orchestrator"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/worker"
	"subburn/internal/worker/processor"
	"subburn/internal/worker/renderer"
)

type stubCaptions struct {
	err error
}

var tracks = map[string]*captions.Track{
	"L1/es": {LessonID: "L1", TargetLanguage: "es", DurationMs: 3000, Cues: []captions.Cue{
		{StartMs: 0, EndMs: 1000, Text: "hola"},
		{StartMs: 1000, EndMs: 3000, Text: "adiós"},
	}},
	"BAD/es": {LessonID: "BAD", TargetLanguage: "es", DurationMs: 1000, Cues: []captions.Cue{
		{StartMs: 0, EndMs: 1000, Text: "x"},
	}},
}

func (s *stubCaptions) Exists(ctx context.Context, lessonID, language string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	_, ok := tracks[lessonID+"/"+language]
	return ok, nil
}

func (s *stubCaptions) Track(ctx context.Context, lessonID, language string) (*captions.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	t, ok := tracks[lessonID+"/"+language]
	if !ok {
		return nil, errors.NotFound("captions", lessonID+"/"+language)
	}
	return t, nil
}

func (s *stubCaptions) AvailableLanguages(ctx context.Context, lessonID string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []string{"es", "fr"}, nil
}

func (s *stubCaptions) OriginalTranscript(ctx context.Context, lessonID string) ([]captions.Cue, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []captions.Cue{{StartMs: 0, EndMs: 1000, Text: "hello"}}, nil
}

type stubRenderer struct{}

func (stubRenderer) Name() string { return "stub" }

func (stubRenderer) Render(ctx context.Context, job renderer.Job, onProgress renderer.ProgressFunc) (string, error) {
	if strings.Contains(job.OutputPath, "BAD_") {
		onProgress(0.3)
		return "", errors.RenderEngine(fmt.Errorf("chromium crashed"), "renderer.stub")
	}
	onProgress(0.5)
	return job.OutputPath, os.WriteFile(job.OutputPath, []byte("mp4:"+job.JobID), 0o644)
}

type server struct {
	*httptest.Server
	caps  *stubCaptions
	disp  *worker.Dispatcher
	ready error
}

// newServer wires the full stack; opts run before the server starts serving.
func newServer(t *testing.T, opts ...func(*server)) *server {
	t.Helper()
	blobs, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := jobs.NewMemoryRegistry()
	caps := &stubCaptions{}
	log := logger.NewNop()

	proc := processor.New(processor.Deps{
		Registry:  reg,
		Captions:  caps,
		Renderer:  stubRenderer{},
		Blobs:     blobs,
		OutputDir: t.TempDir(),
		Log:       log,
	})
	disp := worker.NewDispatcher(worker.Deps{Processor: proc, Log: log})
	orch := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		Captions:  caps,
		Blobs:     blobs,
		Scheduler: disp,
		Log:       log,
	})

	s := &server{caps: caps, disp: disp}
	for _, opt := range opts {
		opt(s)
	}
	router := NewRouter(Deps{
		Orchestrator: orch,
		Health: handlers.HealthDeps{
			StoreReady: func(ctx context.Context) error { return s.ready },
			Checks: []handlers.Check{
				{Name: "registry", Probe: reg.Ping, Info: handlers.Static(map[string]any{"backend": reg.Backend()})},
				{Name: "blobstore", Info: handlers.Static(map[string]any{"backend": blobs.Backend()})},
			},
		},
		RequestTimeout: 5 * time.Second,
		Log:            log,
	})
	s.Server = httptest.NewServer(router)
	t.Cleanup(func() {
		s.Close()
		_ = disp.Shutdown(context.Background())
	})
	return s
}

func (s *server) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return res, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *server) waitTerminal(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	lastProgress := -1.0
	for time.Now().Before(deadline) {
		res, body := s.do(t, "GET", "/render/"+id+"/status", "")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status poll = %d", res.StatusCode)
		}
		job := body["job"].(map[string]any)
		progress := job["progress"].(float64)
		if progress < lastProgress {
			t.Fatalf("progress went backwards: %v -> %v", lastProgress, progress)
		}
		lastProgress = progress
		if st := job["status"]; st == "completed" || st == "failed" {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", id)
	return nil
}

func TestSubmitValidation(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing fields", `{"lessonId":"L1"}`, 400, "VALIDATION_ERROR"},
		{"invalid json", `{"lessonId":`, 400, "VALIDATION_ERROR"},
		{"unknown field", `{"lessonId":"L1","targetLanguage":"es","videoUrl":"http://x/v.mp4","extra":1}`, 400, "VALIDATION_ERROR"},
		{"no captions", `{"lessonId":"L9","targetLanguage":"es","videoUrl":"http://x/v.mp4"}`, 404, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := s.do(t, "POST", "/render", tt.body)
			if res.StatusCode != tt.status || errorCode(body) != tt.code {
				t.Errorf("got %d %v, want %d %s", res.StatusCode, body, tt.status, tt.code)
			}
		})
	}

	_, body := s.do(t, "GET", "/render/jobs", "")
	if body["count"].(float64) != 0 {
		t.Errorf("rejected requests created jobs: %v", body)
	}
}

func TestRenderLifecycle(t *testing.T) {
	s := newServer(t)

	res, body := s.do(t, "POST", "/render", `{"lessonId":"L1","targetLanguage":"es","videoUrl":"http://x/v.mp4"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %v", res.StatusCode, body)
	}
	if body["success"] != true || body["status"] != "queued" {
		t.Errorf("body = %v", body)
	}
	id := body["jobId"].(string)

	job := s.waitTerminal(t, id)
	if job["status"] != "completed" || job["artifactId"] == nil || job["error"] != nil {
		t.Fatalf("job = %v", job)
	}
	if job["progress"].(float64) != 100 {
		t.Errorf("progress = %v", job["progress"])
	}
	artifactID := job["artifactId"].(string)

	dl, err := http.Get(s.URL + "/render/" + artifactID + "/download")
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	content, _ := io.ReadAll(dl.Body)

	want := "mp4:" + id
	if dl.StatusCode != http.StatusOK || string(content) != want {
		t.Fatalf("download = %d %q", dl.StatusCode, content)
	}
	if dl.Header.Get("Content-Type") != "video/mp4" {
		t.Errorf("content type = %s", dl.Header.Get("Content-Type"))
	}
	if dl.Header.Get("Content-Disposition") != `attachment; filename="rendered_L1_es.mp4"` {
		t.Errorf("disposition = %s", dl.Header.Get("Content-Disposition"))
	}
	if dl.Header.Get("Content-Length") != fmt.Sprint(len(want)) {
		t.Errorf("content length = %s", dl.Header.Get("Content-Length"))
	}

	res, body = s.do(t, "GET", "/api/render/artifacts/L1/es", "")
	if res.StatusCode != http.StatusOK || body["artifact"].(map[string]any)["id"] != artifactID {
		t.Errorf("existing artifact = %d %v", res.StatusCode, body)
	}

	res, body = s.do(t, "GET", "/render/stats", "")
	if res.StatusCode != http.StatusOK || body["stats"].(map[string]any)["completed"].(float64) != 1 {
		t.Errorf("stats = %v", body)
	}

	res, _ = s.do(t, "DELETE", "/render/"+id, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", res.StatusCode)
	}
	res, body = s.do(t, "GET", "/render/"+id+"/status", "")
	if res.StatusCode != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Errorf("status after delete = %d %v", res.StatusCode, body)
	}

	// Without purge the artifact is still downloadable.
	dl2, err := http.Get(s.URL + "/api/render/" + artifactID + "/download")
	if err != nil {
		t.Fatal(err)
	}
	dl2.Body.Close()
	if dl2.StatusCode != http.StatusOK {
		t.Errorf("artifact after job delete = %d", dl2.StatusCode)
	}
}

func TestRenderEngineFailure(t *testing.T) {
	s := newServer(t)

	_, body := s.do(t, "POST", "/api/render", `{"lessonId":"BAD","targetLanguage":"es","videoUrl":"http://x/v.mp4"}`)
	job := s.waitTerminal(t, body["jobId"].(string))

	if job["status"] != "failed" || job["artifactId"] != nil {
		t.Fatalf("job = %v", job)
	}
	if msg, _ := job["error"].(string); !strings.Contains(msg, "chromium crashed") {
		t.Errorf("error = %q", msg)
	}
}

func TestNotFoundRoutes(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{
		"/render/unknown/status",
		"/render/00000000-0000-0000-0000-000000000000/download",
		"/render/artifacts/L1/es",
	} {
		res, body := s.do(t, "GET", path, "")
		if res.StatusCode != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
			t.Errorf("%s = %d %v", path, res.StatusCode, body)
		}
	}

	res, _ := s.do(t, "DELETE", "/render/unknown", "")
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("delete unknown = %d", res.StatusCode)
	}
}

func TestListJobsFilters(t *testing.T) {
	s := newServer(t)

	_, body := s.do(t, "POST", "/render", `{"lessonId":"L1","targetLanguage":"es","videoUrl":"http://x/v.mp4"}`)
	s.waitTerminal(t, body["jobId"].(string))

	res, body := s.do(t, "GET", "/render/jobs?status=completed", "")
	if res.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("completed filter = %v", body)
	}
	_, body = s.do(t, "GET", "/render/jobs?status=failed", "")
	if body["count"].(float64) != 0 {
		t.Errorf("failed filter = %v", body)
	}

	for _, q := range []string{"status=done", "limit=0", "limit=abc"} {
		res, _ := s.do(t, "GET", "/render/jobs?"+q, "")
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, res.StatusCode)
		}
	}
}

func TestCaptionRoutes(t *testing.T) {
	s := newServer(t)

	res, body := s.do(t, "GET", "/captions/L1/languages", "")
	if res.StatusCode != http.StatusOK || len(body["languages"].([]any)) != 2 {
		t.Errorf("languages = %d %v", res.StatusCode, body)
	}

	res, body = s.do(t, "GET", "/api/captions/L1/es", "")
	if res.StatusCode != http.StatusOK || body["captionCount"].(float64) != 2 || body["durationMs"].(float64) != 3000 {
		t.Errorf("captions = %d %v", res.StatusCode, body)
	}

	res, body = s.do(t, "GET", "/captions/L1/original", "")
	if res.StatusCode != http.StatusOK || body["captionCount"].(float64) != 1 {
		t.Errorf("original = %d %v", res.StatusCode, body)
	}

	res, _ = s.do(t, "GET", "/captions/L1/de", "")
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("missing captions = %d", res.StatusCode)
	}
}

func TestDegradedStore(t *testing.T) {
	s := newServer(t, func(s *server) {
		s.caps.err = errors.Unavailable("document store")
		s.ready = fmt.Errorf("not connected")
	})

	res, body := s.do(t, "POST", "/render", `{"lessonId":"L1","targetLanguage":"es","videoUrl":"http://x/v.mp4"}`)
	if res.StatusCode != http.StatusServiceUnavailable || errorCode(body) != "UNAVAILABLE" {
		t.Errorf("submit = %d %v", res.StatusCode, body)
	}

	res, _ = s.do(t, "GET", "/captions/L1/languages", "")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("languages = %d", res.StatusCode)
	}

	res, _ = s.do(t, "GET", "/render/jobs", "")
	if res.StatusCode != http.StatusOK {
		t.Errorf("jobs listing should survive a store outage, got %d", res.StatusCode)
	}

	res, body = s.do(t, "GET", "/health", "")
	if res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", res.StatusCode, body)
	}

	res, body = s.do(t, "GET", "/health/ready", "")
	if res.StatusCode != http.StatusServiceUnavailable || body["mongodb"] != "disconnected" {
		t.Errorf("ready = %d %v", res.StatusCode, body)
	}
}

func TestReadyDeep(t *testing.T) {
	s := newServer(t)

	res, body := s.do(t, "GET", "/api/health/ready?deep=true", "")
	if res.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", res.StatusCode, body)
	}
	checks := body["checks"].(map[string]any)
	reg := checks["registry"].(map[string]any)
	if reg["status"] != "ok" || reg["backend"] != "memory" {
		t.Errorf("registry check = %v", reg)
	}
	if checks["blobstore"].(map[string]any)["backend"] != "localfs" {
		t.Errorf("blobstore check = %v", checks["blobstore"])
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s := newServer(t)
	res, _ := s.do(t, "GET", "/health", "")
	if len(res.Header.Get("X-Request-ID")) != 32 {
		t.Errorf("request id = %q", res.Header.Get("X-Request-ID"))
	}
}
