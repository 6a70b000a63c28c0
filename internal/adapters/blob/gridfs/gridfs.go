// Package gridfs stores artifacts in a MongoDB GridFS bucket.
package gridfs

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/ports"
)

const DefaultBucket = "videos"

// DatabaseProvider yields the live database or an UNAVAILABLE error.
type DatabaseProvider interface {
	Database() (*mongo.Database, error)
}

// Store implements ports.BlobStore on GridFS.
type Store struct {
	db     DatabaseProvider
	bucket string
	log    *logger.Logger
}

func New(db DatabaseProvider, bucket string, log *logger.Logger) *Store {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Store{db: db, bucket: bucket, log: log.WithComponent("blob")}
}

func (s *Store) Backend() string { return "gridfs" }

// fileDoc is a document of the <bucket>.files collection.
type fileDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	Filename    string             `bson:"filename"`
	Length      int64              `bson:"length"`
	UploadDate  time.Time          `bson:"uploadDate"`
	ContentType string             `bson:"contentType,omitempty"`
	Metadata    bson.M             `bson:"metadata,omitempty"`
}

func (s *Store) Upload(ctx context.Context, in ports.UploadInput) (ports.BlobInfo, error) {
	const op = "gridfs.Upload"

	bucket, err := s.openBucket()
	if err != nil {
		return ports.BlobInfo{}, err
	}

	src, size, contentType, err := ports.OpenSource(in, op)
	if err != nil {
		return ports.BlobInfo{}, err
	}
	defer src.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(dl); err != nil {
			return ports.BlobInfo{}, errors.Storage(err, op, "set upload deadline")
		}
	}

	now := time.Now()
	meta := ports.StampMetadata(in.Metadata, contentType, now)
	doc := bson.M{}
	for k, v := range meta {
		doc[k] = v
	}

	id, err := bucket.UploadFromStream(in.Filename, src, options.GridFSUpload().SetMetadata(doc))
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(classify(err, op), op, "upload to gridfs")
	}

	s.log.Info("artifact uploaded",
		"artifact_id", id.Hex(),
		"filename", in.Filename,
		"size", size,
		"bucket", s.bucket,
	)

	return ports.BlobInfo{
		ID:          id.Hex(),
		Filename:    in.Filename,
		Length:      size,
		ContentType: contentType,
		UploadedAt:  now.UTC(),
		Metadata:    meta,
	}, nil
}

func (s *Store) Metadata(ctx context.Context, id string) (ports.BlobInfo, error) {
	oid, err := parseID(id)
	if err != nil {
		return ports.BlobInfo{}, err
	}
	files, err := s.files()
	if err != nil {
		return ports.BlobInfo{}, err
	}

	var doc fileDoc
	err = files.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return ports.BlobInfo{}, errors.NotFound("artifact", id)
	}
	if err != nil {
		return ports.BlobInfo{}, classify(err, "gridfs.Metadata")
	}
	return doc.info(), nil
}

func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	bucket, err := s.openBucket()
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = bucket.SetReadDeadline(dl)
	}

	stream, err := bucket.OpenDownloadStream(oid)
	if err == gridfs.ErrFileNotFound {
		return nil, errors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, classify(err, "gridfs.Open")
	}
	return stream, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	bucket, err := s.openBucket()
	if err != nil {
		return err
	}

	err = bucket.DeleteContext(ctx, oid)
	if err == gridfs.ErrFileNotFound {
		return errors.NotFound("artifact", id)
	}
	if err != nil {
		return classify(err, "gridfs.Delete")
	}
	s.log.Info("artifact deleted", "artifact_id", id)
	return nil
}

func (s *Store) FindByLesson(ctx context.Context, lessonID, targetLanguage string) (ports.BlobInfo, error) {
	files, err := s.files()
	if err != nil {
		return ports.BlobInfo{}, err
	}

	filter := bson.M{
		"metadata." + ports.MetaLessonID:       lessonID,
		"metadata." + ports.MetaTargetLanguage: targetLanguage,
		"metadata." + ports.MetaSource:         ports.ArtifactSource,
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "uploadDate", Value: -1}})

	var doc fileDoc
	err = files.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return ports.BlobInfo{}, errors.NotFound("artifact", lessonID+"/"+targetLanguage)
	}
	if err != nil {
		return ports.BlobInfo{}, classify(err, "gridfs.FindByLesson")
	}
	return doc.info(), nil
}

func (s *Store) openBucket() (*gridfs.Bucket, error) {
	db, err := s.db.Database()
	if err != nil {
		return nil, err
	}
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(s.bucket))
	if err != nil {
		return nil, errors.Wrap(err, "gridfs.openBucket", "open bucket")
	}
	return b, nil
}

func (s *Store) files() (*mongo.Collection, error) {
	db, err := s.db.Database()
	if err != nil {
		return nil, err
	}
	return db.Collection(s.bucket + ".files"), nil
}

func (d fileDoc) info() ports.BlobInfo {
	meta := stringifyMetadata(d.Metadata)
	ct := meta[ports.MetaContentType]
	if ct == "" {
		ct = d.ContentType
	}
	if ct == "" {
		ct = ports.DefaultContentType
	}
	return ports.BlobInfo{
		ID:          d.ID.Hex(),
		Filename:    d.Filename,
		Length:      d.Length,
		ContentType: ct,
		UploadedAt:  d.UploadDate.UTC(),
		Metadata:    meta,
	}
}

// stringifyMetadata flattens metadata written by this service or by older
// writers that stored dates natively.
func stringifyMetadata(m bson.M) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case primitive.DateTime:
			out[k] = val.Time().UTC().Format(time.RFC3339Nano)
		case primitive.ObjectID:
			out[k] = val.Hex()
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errors.NotFound("artifact", id)
	}
	return oid, nil
}

func classify(err error, op string) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "blob store unreachable")
	}
	return errors.Storage(err, op, "blob store operation failed")
}
