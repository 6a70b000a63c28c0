package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"subburn/internal/httpkit"
	"subburn/internal/jobs"
	"subburn/internal/orchestrator"
	"subburn/internal/pkg/errors"
)

// PostRender accepts a render request and answers 202 before rendering starts.
func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) error {
	var req orchestrator.SubmitRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		if errors.Is(err, httpkit.ErrEmptyBody) {
			return errors.Validation("request body is required")
		}
		return errors.Validation("invalid json body").WithField("reason", err.Error())
	}

	job, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		return err
	}

	w.Header().Set("Location", fmt.Sprintf("/render/%s/status", job.ID))
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"jobId":   job.ID,
		"status":  job.Status,
		"message": "Render job queued",
	})
	return nil
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) error {
	jobID, err := pathParam(r, "id")
	if err != nil {
		return err
	}
	job, err := h.orch.GetStatus(r.Context(), jobID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     job,
	})
	return nil
}

// ListJobs returns tracked jobs, optionally filtered by ?status= and capped by ?limit=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	status := jobs.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		return errors.ValidationField("status", "unknown status: "+string(status))
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return errors.ValidationField("limit", "limit must be a positive integer")
		}
		limit = v
	}

	list, err := h.orch.ListJobs(r.Context())
	if err != nil {
		return err
	}

	out := make([]jobs.RenderJob, 0, len(list))
	for _, j := range list {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(out),
		"jobs":    out,
	})
	return nil
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) error {
	st, err := h.orch.Stats(r.Context())
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   st,
	})
	return nil
}

// Download streams an artifact. Errors after the headers are sent can only be logged.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) error {
	fileID, err := pathParam(r, "id")
	if err != nil {
		return err
	}

	dl, err := h.orch.DownloadArtifact(r.Context(), fileID)
	if err != nil {
		return err
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, dl.Filename()))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Info.Length, 10))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, dl.Body)
	if err != nil {
		h.log.FromContext(r.Context()).Warn("artifact stream interrupted",
			"artifact_id", fileID,
			"written", n,
			"length", dl.Info.Length,
			"error", err.Error(),
		)
	}
	return nil
}

// ExistingArtifact reports the latest artifact already rendered for a lesson and language.
func (h *Handler) ExistingArtifact(w http.ResponseWriter, r *http.Request) error {
	lessonID, err := pathParam(r, "lessonId")
	if err != nil {
		return err
	}
	lang, err := pathParam(r, "targetLanguage")
	if err != nil {
		return err
	}

	info, err := h.orch.ExistingArtifact(r.Context(), lessonID, lang)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"artifact": info,
	})
	return nil
}

// DeleteJob removes a job record; ?purgeArtifact=true also deletes its artifact.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) error {
	jobID, err := pathParam(r, "id")
	if err != nil {
		return err
	}

	var opts orchestrator.CleanupOptions
	if raw := r.URL.Query().Get("purgeArtifact"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.ValidationField("purgeArtifact", "purgeArtifact must be a boolean")
		}
		opts.PurgeArtifact = v
	}

	res, err := h.orch.CleanupJob(r.Context(), jobID, opts)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Job %s cleaned up", jobID),
		"artifactPurged": res.ArtifactPurged,
	})
	return nil
}
