package jobs

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"subburn/internal/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRendering, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusUploading, false},
		{StatusQueued, StatusCompleted, false},
		{StatusRendering, StatusUploading, true},
		{StatusRendering, StatusFailed, true},
		{StatusRendering, StatusCompleted, false},
		{StatusRendering, StatusQueued, false},
		{StatusUploading, StatusCompleted, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusRendering, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRendering, false},
		{StatusFailed, StatusFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHappyPath(t *testing.T) {
	j := newJob("j1", CreateParams{LessonID: "L1", TargetLanguage: "es"}, time.Now())

	if j.Status != StatusQueued || j.Progress != 0 {
		t.Fatalf("new job = %+v", j)
	}
	if err := j.StartRendering(); err != nil {
		t.Fatal(err)
	}
	if j.Progress != ProgressRenderStart {
		t.Errorf("progress = %d, want %d", j.Progress, ProgressRenderStart)
	}
	if err := j.StartUploading(); err != nil {
		t.Fatal(err)
	}
	if j.Progress != ProgressUploading {
		t.Errorf("progress = %d, want %d", j.Progress, ProgressUploading)
	}
	if err := j.Complete("artifact-1"); err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusCompleted || j.Progress != 100 || j.ArtifactID != "artifact-1" || j.Error != "" {
		t.Errorf("completed job = %+v", j)
	}
}

func TestInvalidTransitionIsFailedPrecondition(t *testing.T) {
	j := newJob("j1", CreateParams{}, time.Now())

	err := j.Complete("a1")
	if !errors.IsCode(err, errors.CodeFailedPrecond) {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", err)
	}
	if j.Status != StatusQueued || j.ArtifactID != "" {
		t.Errorf("job changed on rejected transition: %+v", j)
	}
}

func TestCompleteRequiresArtifact(t *testing.T) {
	j := newJob("j1", CreateParams{}, time.Now())
	_ = j.StartRendering()
	_ = j.StartUploading()

	if err := j.Complete(""); err == nil {
		t.Fatal("expected error for empty artifact id")
	}
	if j.Status != StatusUploading {
		t.Errorf("status = %s", j.Status)
	}
}

func TestFail(t *testing.T) {
	t.Run("truncates", func(t *testing.T) {
		j := newJob("j1", CreateParams{}, time.Now())
		_ = j.StartRendering()

		if err := j.Fail(strings.Repeat("x", MaxErrorLen+50)); err != nil {
			t.Fatal(err)
		}
		if len(j.Error) != MaxErrorLen {
			t.Errorf("error length = %d", len(j.Error))
		}
	})

	t.Run("truncates on a rune boundary", func(t *testing.T) {
		j := newJob("j1", CreateParams{}, time.Now())
		_ = j.StartRendering()

		// byte MaxErrorLen falls inside a two-byte rune
		if err := j.Fail("x" + strings.Repeat("é", MaxErrorLen)); err != nil {
			t.Fatal(err)
		}
		if !utf8.ValidString(j.Error) {
			t.Error("error text is not valid UTF-8")
		}
		if len(j.Error) != MaxErrorLen-1 {
			t.Errorf("error length = %d, want %d", len(j.Error), MaxErrorLen-1)
		}
	})

	t.Run("empty message", func(t *testing.T) {
		j := newJob("j1", CreateParams{}, time.Now())
		_ = j.Fail("")
		if j.Error == "" {
			t.Error("failed job must carry an error")
		}
	})

	t.Run("terminal cannot fail again", func(t *testing.T) {
		j := newJob("j1", CreateParams{}, time.Now())
		_ = j.Fail("first")
		if err := j.Fail("second"); err == nil {
			t.Error("expected error")
		}
		if j.Error != "first" {
			t.Errorf("error = %q", j.Error)
		}
	})
}

func TestSetProgressNeverDecreases(t *testing.T) {
	j := newJob("j1", CreateParams{}, time.Now())
	_ = j.StartRendering()

	j.SetProgress(50)
	j.SetProgress(30)
	if j.Progress != 50 {
		t.Errorf("progress = %d, want 50", j.Progress)
	}
	j.SetProgress(250)
	if j.Progress != 100 {
		t.Errorf("progress = %d, want clamp to 100", j.Progress)
	}

	f := newJob("j2", CreateParams{}, time.Now())
	_ = f.Fail("boom")
	f.SetProgress(70)
	if f.Progress != 0 {
		t.Errorf("terminal job progress moved to %d", f.Progress)
	}
}

func TestTouchNeverGoesBackwards(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	j := newJob("j1", CreateParams{}, created)

	j.touch(created.Add(-time.Hour))
	if j.UpdatedAt.Before(j.CreatedAt) {
		t.Errorf("updatedAt %s before createdAt %s", j.UpdatedAt, j.CreatedAt)
	}

	later := created.Add(time.Minute)
	j.touch(later)
	j.touch(created)
	if !j.UpdatedAt.Equal(later) {
		t.Errorf("updatedAt = %s, want %s", j.UpdatedAt, later)
	}
}

func TestCountByStatus(t *testing.T) {
	list := []RenderJob{
		{Status: StatusQueued}, {Status: StatusRendering}, {Status: StatusRendering},
		{Status: StatusCompleted}, {Status: StatusFailed},
	}
	st := CountByStatus(list)
	if st.Total != 5 || st.Rendering != 2 || st.Completed != 1 || st.Failed != 1 || st.Uploading != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStoredJobKeepsOutputPath(t *testing.T) {
	j := newJob("j1", CreateParams{LessonID: "L1"}, time.Now())
	j.OutputPath = "/tmp/out.mp4"

	b, err := encodeJob(j)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeJob(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.OutputPath != "/tmp/out.mp4" || got.LessonID != "L1" {
		t.Errorf("decoded = %+v", got)
	}
}
