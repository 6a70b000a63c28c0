package renderer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	contracts "subburn/internal/contracts/renderer/v1"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

const maxErrorBody = 4 << 10

type HTTPConfig struct {
	BaseURL string
	// Timeout bounds one render call, streaming included.
	Timeout time.Duration
	Client  *http.Client
}

// HTTPRenderer calls the renderer service behind a circuit breaker. Transport
// failures and 5xx answers count against the breaker; renderer-reported
// failures do not.
type HTTPRenderer struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func NewHTTPRenderer(cfg HTTPConfig, log *logger.Logger) *HTTPRenderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	log = log.WithComponent("renderer")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "renderer-http",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.IsUnavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("renderer circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &HTTPRenderer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  cfg.Client,
		cb:      cb,
		log:     log,
	}
}

func (r *HTTPRenderer) Name() string { return "http" }

func (r *HTTPRenderer) Render(ctx context.Context, job Job, onProgress ProgressFunc) (string, error) {
	out, err := r.cb.Execute(func() (interface{}, error) {
		return r.post(ctx, job, onProgress)
	})
	if err != nil {
		if errors.IsCode(err, errors.CodeRenderEngine) {
			return "", err
		}
		return "", errors.RenderEngine(err, "renderer.http")
	}
	return out.(string), nil
}

// State exposes the breaker state for readiness checks.
func (r *HTTPRenderer) State() gobreaker.State {
	return r.cb.State()
}

func (r *HTTPRenderer) post(ctx context.Context, job Job, onProgress ProgressFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(job.request())
	if err != nil {
		return "", errors.Wrap(err, "renderer.http", "encode render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+contracts.Path, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "renderer.http", "build render request")
	}
	req.Header.Set("Content-Type", contracts.ContentTypeJSON)
	req.Header.Set("Accept", contracts.ContentTypeNDJSON+", "+contracts.ContentTypeJSON)

	start := time.Now()
	res, err := r.client.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "renderer.http", "renderer unreachable")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", statusError(res)
	}

	var outputPath string
	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if mediaType == contracts.ContentTypeNDJSON {
		outputPath, err = readStream(res.Body, onProgress)
	} else {
		outputPath, err = readResult(res.Body)
	}
	if err != nil {
		return "", err
	}

	r.log.Debug("renderer call finished",
		"job_id", job.JobID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outputPath, nil
}

func statusError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	var ev contracts.Event
	if json.Unmarshal(b, &ev) == nil && ev.Error != "" {
		msg = ev.Error
	}
	text := fmt.Sprintf("renderer http %d: %s", res.StatusCode, msg)

	if res.StatusCode >= 500 {
		return errors.New(errors.CodeUnavailable, text).WithField("status", res.StatusCode)
	}
	return errors.New(errors.CodeRenderEngine, text).WithField("status", res.StatusCode)
}

func readResult(body io.Reader) (string, error) {
	var result contracts.RenderResult
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeRenderEngine, "renderer.http", "decode render result")
	}
	if result.OutputPath == "" {
		return "", errors.New(errors.CodeRenderEngine, "renderer returned no output path")
	}
	return result.OutputPath, nil
}

func readStream(body io.Reader, onProgress ProgressFunc) (string, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev contracts.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return "", errors.WrapWithCode(err, errors.CodeRenderEngine, "renderer.http", "decode render event")
		}
		switch {
		case ev.Error != "":
			return "", errors.New(errors.CodeRenderEngine, ev.Error)
		case ev.OutputPath != "":
			return ev.OutputPath, nil
		case ev.Progress != nil:
			report(onProgress, *ev.Progress)
		}
	}
	if err := sc.Err(); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "renderer.http", "render stream interrupted")
	}
	return "", errors.New(errors.CodeRenderEngine, "render stream ended without a result")
}
