// Package blobstore selects the artifact store backend.
package blobstore

import (
	"context"

	"subburn/internal/adapters/blob/gdrive"
	"subburn/internal/adapters/blob/gridfs"
	"subburn/internal/adapters/blob/localfs"
	"subburn/internal/config"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/ports"
)

// New builds the backend named by cfg.Backend. db is only used by gridfs.
func New(ctx context.Context, cfg config.BlobConfig, db gridfs.DatabaseProvider, log *logger.Logger) (ports.BlobStore, error) {
	switch cfg.Backend {
	case "", "gridfs":
		return gridfs.New(db, cfg.GridFSBucket, log), nil
	case "localfs":
		return localfs.New(cfg.LocalRoot)
	case "gdrive":
		return gdrive.New(ctx, gdrive.Config{
			ClientID:     cfg.GDrive.ClientID,
			ClientSecret: cfg.GDrive.ClientSecret,
			RefreshToken: cfg.GDrive.RefreshToken,
			FolderID:     cfg.GDrive.FolderID,
		}, log)
	default:
		return nil, errors.Newf(errors.CodeValidation, "unknown blob backend: %s", cfg.Backend)
	}
}
