// Package localfs stores artifacts under a local directory: one data file and
// one JSON sidecar per blob.
package localfs

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"subburn/internal/pkg/errors"
	"subburn/internal/ports"
)

// Store implements ports.BlobStore on the local filesystem.
type Store struct {
	root string
	now  func() time.Time
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Storage(err, "localfs.New", "create blob root")
	}
	return &Store{root: root, now: time.Now}, nil
}

func (s *Store) Backend() string { return "localfs" }

func (s *Store) Upload(ctx context.Context, in ports.UploadInput) (ports.BlobInfo, error) {
	const op = "localfs.Upload"

	src, _, contentType, err := ports.OpenSource(in, op)
	if err != nil {
		return ports.BlobInfo{}, err
	}
	defer src.Close()

	id := uuid.NewString()
	dataPath := s.dataPath(id)

	dst, err := os.Create(dataPath)
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(err, op, "create blob file")
	}
	n, err := io.Copy(dst, readerWithContext(ctx, src))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dataPath)
		return ports.BlobInfo{}, errors.Storage(err, op, "write blob file")
	}

	info := ports.BlobInfo{
		ID:          id,
		Filename:    in.Filename,
		Length:      n,
		ContentType: contentType,
		UploadedAt:  s.now().UTC(),
		Metadata:    ports.StampMetadata(in.Metadata, contentType, s.now()),
	}
	if err := s.writeSidecar(info); err != nil {
		_ = os.Remove(dataPath)
		return ports.BlobInfo{}, errors.Storage(err, op, "write blob metadata")
	}
	return info, nil
}

func (s *Store) Metadata(ctx context.Context, id string) (ports.BlobInfo, error) {
	if !validID(id) {
		return ports.BlobInfo{}, errors.NotFound("artifact", id)
	}
	return s.readSidecar(s.metaPath(id))
}

func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if !validID(id) {
		return nil, errors.NotFound("artifact", id)
	}
	f, err := os.Open(s.dataPath(id))
	if os.IsNotExist(err) {
		return nil, errors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, errors.Storage(err, "localfs.Open", "open blob file")
	}
	return ctxReadCloser{Reader: readerWithContext(ctx, f), Closer: f}, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return errors.NotFound("artifact", id)
	}
	err := os.Remove(s.dataPath(id))
	if os.IsNotExist(err) {
		return errors.NotFound("artifact", id)
	}
	if err != nil {
		return errors.Storage(err, "localfs.Delete", "remove blob file")
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Storage(err, "localfs.Delete", "remove blob metadata")
	}
	return nil
}

// FindByLesson scans sidecars; fine for the volumes a single node holds.
func (s *Store) FindByLesson(ctx context.Context, lessonID, targetLanguage string) (ports.BlobInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, "*.json"))
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(err, "localfs.FindByLesson", "list blob metadata")
	}

	var (
		best  ports.BlobInfo
		found bool
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return ports.BlobInfo{}, err
		}
		info, err := s.readSidecar(p)
		if err != nil {
			continue
		}
		m := info.Metadata
		if m[ports.MetaLessonID] != lessonID || m[ports.MetaTargetLanguage] != targetLanguage || m[ports.MetaSource] != ports.ArtifactSource {
			continue
		}
		if !found || info.UploadedAt.After(best.UploadedAt) {
			best, found = info, true
		}
	}
	if !found {
		return ports.BlobInfo{}, errors.NotFound("artifact", lessonID+"/"+targetLanguage)
	}
	return best, nil
}

func (s *Store) dataPath(id string) string { return filepath.Join(s.root, id+".bin") }
func (s *Store) metaPath(id string) string { return filepath.Join(s.root, id+".json") }

func (s *Store) writeSidecar(info ports.BlobInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := s.metaPath(info.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(info.ID))
}

func (s *Store) readSidecar(path string) (ports.BlobInfo, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id := filepath.Base(path)
		return ports.BlobInfo{}, errors.NotFound("artifact", id[:len(id)-len(filepath.Ext(id))])
	}
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(err, "localfs.Metadata", "read blob metadata")
	}
	var info ports.BlobInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return ports.BlobInfo{}, errors.Storage(err, "localfs.Metadata", "decode blob metadata")
	}
	return info, nil
}

// validID keeps ids from escaping the root.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

type ctxReadCloser struct {
	io.Reader
	io.Closer
}
