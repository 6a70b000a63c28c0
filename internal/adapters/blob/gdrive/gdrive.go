// Package gdrive stores artifacts as Google Drive files, keeping artifact
// metadata in appProperties.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/ports"
)

const fileFields = "id, name, size, mimeType, createdTime, appProperties"

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

// Store implements ports.BlobStore on Drive. Blob ids are Drive file ids.
type Store struct {
	srv      *drive.Service
	folderID string
	log      *logger.Logger
}

// New builds a Drive service from a stored refresh token.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "gdrive.New", "create drive service")
	}
	return NewWithService(srv, cfg.FolderID, log), nil
}

func NewWithService(srv *drive.Service, folderID string, log *logger.Logger) *Store {
	return &Store{srv: srv, folderID: folderID, log: log.WithComponent("blob")}
}

func (s *Store) Backend() string { return "gdrive" }

func (s *Store) Upload(ctx context.Context, in ports.UploadInput) (ports.BlobInfo, error) {
	const op = "gdrive.Upload"

	src, _, contentType, err := ports.OpenSource(in, op)
	if err != nil {
		return ports.BlobInfo{}, err
	}
	defer src.Close()

	file := &drive.File{
		Name:          in.Filename,
		MimeType:      contentType,
		AppProperties: ports.StampMetadata(in.Metadata, contentType, time.Now()),
	}
	if s.folderID != "" {
		file.Parents = []string{s.folderID}
	}

	created, err := s.srv.Files.Create(file).
		Media(src, googleapi.ContentType(contentType)).
		Fields(fileFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(classify(err, op, ""), op, "upload to drive")
	}

	info := toInfo(created)
	s.log.Info("artifact uploaded", "artifact_id", info.ID, "filename", info.Filename, "size", info.Length)
	return info, nil
}

func (s *Store) Metadata(ctx context.Context, id string) (ports.BlobInfo, error) {
	f, err := s.srv.Files.Get(id).
		Fields(fileFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return ports.BlobInfo{}, classify(err, "gdrive.Metadata", id)
	}
	return toInfo(f), nil
}

func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := s.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, classify(err, "gdrive.Open", id)
	}
	return resp.Body, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return classify(err, "gdrive.Delete", id)
	}
	return nil
}

func (s *Store) FindByLesson(ctx context.Context, lessonID, targetLanguage string) (ports.BlobInfo, error) {
	list, err := s.srv.Files.List().
		Q(lessonQuery(lessonID, targetLanguage)).
		OrderBy("createdTime desc").
		PageSize(1).
		Fields(googleapi.Field("files(" + fileFields + ")")).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return ports.BlobInfo{}, classify(err, "gdrive.FindByLesson", "")
	}
	if len(list.Files) == 0 {
		return ports.BlobInfo{}, errors.NotFound("artifact", lessonID+"/"+targetLanguage)
	}
	return toInfo(list.Files[0]), nil
}

func lessonQuery(lessonID, targetLanguage string) string {
	prop := func(k, v string) string {
		return fmt.Sprintf("appProperties has { key='%s' and value='%s' }", k, escape(v))
	}
	return strings.Join([]string{
		prop(ports.MetaLessonID, lessonID),
		prop(ports.MetaTargetLanguage, targetLanguage),
		prop(ports.MetaSource, ports.ArtifactSource),
		"trashed = false",
	}, " and ")
}

func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

func toInfo(f *drive.File) ports.BlobInfo {
	info := ports.BlobInfo{
		ID:          f.Id,
		Filename:    f.Name,
		Length:      f.Size,
		ContentType: f.MimeType,
		Metadata:    f.AppProperties,
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		info.UploadedAt = t.UTC()
	}
	if ct := f.AppProperties[ports.MetaContentType]; ct != "" {
		info.ContentType = ct
	}
	if info.ContentType == "" {
		info.ContentType = ports.DefaultContentType
	}
	return info
}

func classify(err error, op, id string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound && id != "":
			return errors.NotFound("artifact", id)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return errors.WrapWithCode(err, errors.CodeUnavailable, op, "drive unavailable (status "+strconv.Itoa(gerr.Code)+")")
		}
	}
	return errors.Storage(err, op, "drive request failed")
}
