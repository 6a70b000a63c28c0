package renderer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	contracts "subburn/internal/contracts/renderer/v1"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

var percentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// killGrace bounds how long Wait keeps copying output after the process
// group has been killed.
const killGrace = 5 * time.Second

type CommandConfig struct {
	// Command is the executable followed by leading arguments,
	// e.g. "npx remotion render src/index.ts".
	Command string
	Timeout time.Duration
}

// CommandRenderer runs a local renderer CLI:
//
//	<command> <compositionId> <outputPath> --props=<file> --fps=N --codec=C --crf=N --frames=0-<n-1>
//
// Progress is parsed from "NN%" tokens on stdout.
type CommandRenderer struct {
	argv    []string
	timeout time.Duration
	log     *logger.Logger
}

func NewCommandRenderer(cfg CommandConfig, log *logger.Logger) (*CommandRenderer, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, errors.Validation("renderer command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &CommandRenderer{argv: argv, timeout: cfg.Timeout, log: log.WithComponent("renderer")}, nil
}

func (r *CommandRenderer) Name() string { return "command" }

func (r *CommandRenderer) Render(ctx context.Context, job Job, onProgress ProgressFunc) (string, error) {
	const op = "renderer.command"

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	propsPath := job.OutputPath + ".props.json"
	if err := writeProps(propsPath, job.props()); err != nil {
		return "", errors.Storage(err, op, "write render props")
	}
	defer os.Remove(propsPath)

	args := append([]string{}, r.argv[1:]...)
	args = append(args,
		job.CompositionID,
		job.OutputPath,
		"--props="+propsPath,
		"--fps="+strconv.Itoa(job.FPS),
		fmt.Sprintf("--frames=0-%d", contracts.FrameCount(job.DurationMs, job.FPS)-1),
	)
	if job.Codec != "" {
		args = append(args, "--codec="+job.Codec)
	}
	if job.CRF > 0 {
		args = append(args, "--crf="+strconv.Itoa(job.CRF))
	}

	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = killGrace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := &tailBuffer{max: maxErrorBody}
	cmd.Stderr = stderr

	r.log.Debug("starting render command", "job_id", job.JobID, "command", r.argv[0])
	if err := cmd.Start(); err != nil {
		pw.Close()
		return "", errors.RenderEngine(err, op)
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanProgress(pr, onProgress)
	}()

	// Wait returns at most killGrace after the deadline even when a
	// grandchild still holds stdout; closing pw then releases the scanner.
	werr := cmd.Wait()
	pw.Close()
	<-scanned

	if werr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = werr.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = "render timed out after " + r.timeout.String() + ": " + msg
		}
		return "", errors.New(errors.CodeRenderEngine, msg).WithField("exit", werr.Error())
	}

	if _, err := os.Stat(job.OutputPath); err != nil {
		return "", errors.New(errors.CodeRenderEngine, "renderer exited without writing "+job.OutputPath)
	}
	return job.OutputPath, nil
}

func writeProps(path string, props contracts.InputProps) error {
	b, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func scanProgress(r io.Reader, onProgress ProgressFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 16<<10), 1<<20)
	for sc.Scan() {
		m := percentRe.FindAllStringSubmatch(sc.Text(), -1)
		if len(m) == 0 {
			continue
		}
		pct, err := strconv.ParseFloat(m[len(m)-1][1], 64)
		if err != nil {
			continue
		}
		report(onProgress, pct/100)
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
