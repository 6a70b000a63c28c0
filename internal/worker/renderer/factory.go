package renderer

import (
	"subburn/internal/config"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

// New builds the renderer selected by cfg.Mode.
func New(cfg config.RendererConfig, log *logger.Logger) (Renderer, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPRenderer(HTTPConfig{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}, log), nil
	case "command":
		return NewCommandRenderer(CommandConfig{Command: cfg.Command, Timeout: cfg.Timeout}, log)
	default:
		return nil, errors.Newf(errors.CodeValidation, "unknown renderer mode: %s", cfg.Mode)
	}
}
