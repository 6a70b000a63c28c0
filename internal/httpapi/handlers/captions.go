package handlers

import (
	"net/http"

	"subburn/internal/httpkit"
)

func (h *Handler) GetCaptions(w http.ResponseWriter, r *http.Request) error {
	lessonID, err := pathParam(r, "lessonId")
	if err != nil {
		return err
	}
	lang, err := pathParam(r, "targetLanguage")
	if err != nil {
		return err
	}

	track, err := h.orch.Captions(r.Context(), lessonID, lang)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"lessonId":       lessonID,
		"targetLanguage": lang,
		"captionCount":   len(track.Cues),
		"durationMs":     track.DurationMs,
		"captions":       track.Cues,
	})
	return nil
}

func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) error {
	lessonID, err := pathParam(r, "lessonId")
	if err != nil {
		return err
	}
	langs, err := h.orch.Languages(r.Context(), lessonID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"lessonId":  lessonID,
		"languages": langs,
	})
	return nil
}

// GetOriginal serves the source-language transcript.
func (h *Handler) GetOriginal(w http.ResponseWriter, r *http.Request) error {
	lessonID, err := pathParam(r, "lessonId")
	if err != nil {
		return err
	}
	cues, err := h.orch.OriginalTranscript(r.Context(), lessonID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"lessonId":     lessonID,
		"captionCount": len(cues),
		"captions":     cues,
	})
	return nil
}
