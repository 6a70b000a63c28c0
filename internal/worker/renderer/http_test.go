package renderer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"

	contracts "subburn/internal/contracts/renderer/v1"
	"subburn/internal/captions"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

func testJob() Job {
	return Job{
		JobID:         "j1",
		CompositionID: "VideoWithCaptions",
		VideoURL:      "http://x/v.mp4",
		Captions:      []captions.Cue{{StartMs: 0, EndMs: 1500, Text: "hola"}},
		DurationMs:    1500,
		FPS:           30,
		Codec:         "h264",
		CRF:           23,
		OutputPath:    "/tmp/out/L1_es_j1.mp4",
	}
}

func newHTTPRenderer(t *testing.T, h http.HandlerFunc) *HTTPRenderer {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPRenderer(HTTPConfig{BaseURL: srv.URL + "/"}, logger.NewNop())
}

func TestHTTPRenderJSON(t *testing.T) {
	reqs := make(chan contracts.RenderRequest, 1)
	r := newHTTPRenderer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/render" || req.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", req.Method, req.URL.Path)
		}
		var body contracts.RenderRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		reqs <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outputPath":"/tmp/out/L1_es_j1.mp4"}`))
	})

	path, err := r.Render(t.Context(), testJob(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/tmp/out/L1_es_j1.mp4" {
		t.Errorf("path = %s", path)
	}
	got := <-reqs
	if got.JobID != "j1" || got.FPS != 30 || len(got.Captions) != 1 || got.Captions[0].EndMs != 1500 {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPRenderNDJSONProgress(t *testing.T) {
	r := newHTTPRenderer(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"progress":0.25}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"progress":0.5}`)
		fmt.Fprintln(w, `{"progress":1.7}`)
		fmt.Fprintln(w, `{"outputPath":"/tmp/done.mp4"}`)
	})

	var (
		mu   sync.Mutex
		seen []float64
	)
	path, err := r.Render(t.Context(), testJob(), func(f float64) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/tmp/done.mp4" {
		t.Errorf("path = %s", path)
	}
	want := []float64{0.25, 0.5, 1}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", seen, want)
	}
}

func TestHTTPRenderEngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{
			"stream error line",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/x-ndjson")
				fmt.Fprintln(w, `{"progress":0.1}`)
				fmt.Fprintln(w, `{"error":"composition VideoWithCaptions not found"}`)
			},
			"composition VideoWithCaptions not found",
		},
		{
			"client error status",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"durationMs must be positive"}`))
			},
			"renderer http 422: durationMs must be positive",
		},
		{
			"stream without result",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/x-ndjson")
				fmt.Fprintln(w, `{"progress":0.9}`)
			},
			"render stream ended without a result",
		},
		{
			"empty json result",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
			"renderer returned no output path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newHTTPRenderer(t, tt.handler)
			_, err := r.Render(t.Context(), testJob(), nil)
			if !errors.IsCode(err, errors.CodeRenderEngine) {
				t.Fatalf("expected RENDER_ENGINE_ERROR, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestHTTPRenderBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	r := newHTTPRenderer(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		if _, err := r.Render(t.Context(), testJob(), nil); !errors.IsCode(err, errors.CodeRenderEngine) {
			t.Fatalf("call %d: expected RENDER_ENGINE_ERROR, got %v", i, err)
		}
	}
	if r.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", r.State())
	}

	_, err := r.Render(t.Context(), testJob(), nil)
	if !errors.IsCode(err, errors.CodeRenderEngine) || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("expected open-breaker render error, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server calls = %d, want 3", n)
	}
}

func TestHTTPRenderEngineRejectionsDoNotTrip(t *testing.T) {
	r := newHTTPRenderer(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	for i := 0; i < 5; i++ {
		_, _ = r.Render(t.Context(), testJob(), nil)
	}
	if r.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", r.State())
	}
}
