package captions

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"subburn/internal/pkg/errors"
)

const (
	subtitlesCollection   = "TranslatedSubtitles"
	transcriptsCollection = "VideoTranscripts"
)

// DatabaseProvider yields the live database or an UNAVAILABLE error.
type DatabaseProvider interface {
	Database() (*mongo.Database, error)
}

// MongoStore reads the TranslatedSubtitles and VideoTranscripts collections.
type MongoStore struct {
	db DatabaseProvider
}

func NewMongoStore(db DatabaseProvider) *MongoStore {
	return &MongoStore{db: db}
}

// subtitlesFilter matches only documents with at least one segment, so
// CountSubtitles and FindSubtitles agree on which document a pair resolves to.
func subtitlesFilter(lessonID, language string) bson.M {
	return bson.M{
		"LessonId":       lessonID,
		"TargetLanguage": language,
		"Segments.0":     bson.M{"$exists": true},
	}
}

func (s *MongoStore) FindSubtitles(ctx context.Context, lessonID, language string) (*Document, error) {
	return s.findOne(ctx, subtitlesCollection, subtitlesFilter(lessonID, language), "captions.FindSubtitles")
}

func (s *MongoStore) FindTranscript(ctx context.Context, lessonID string) (*Document, error) {
	return s.findOne(ctx, transcriptsCollection, bson.M{"LessonId": lessonID}, "captions.FindTranscript")
}

func (s *MongoStore) CountSubtitles(ctx context.Context, lessonID, language string) (int64, error) {
	db, err := s.db.Database()
	if err != nil {
		return 0, err
	}
	n, err := db.Collection(subtitlesCollection).CountDocuments(ctx, subtitlesFilter(lessonID, language), options.Count().SetLimit(1))
	if err != nil {
		return 0, classify(err, "captions.CountSubtitles")
	}
	return n, nil
}

func (s *MongoStore) Languages(ctx context.Context, lessonID string) ([]string, error) {
	db, err := s.db.Database()
	if err != nil {
		return nil, err
	}
	values, err := db.Collection(subtitlesCollection).Distinct(ctx, "TargetLanguage", bson.M{"LessonId": lessonID})
	if err != nil {
		return nil, classify(err, "captions.Languages")
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if lang, ok := v.(string); ok {
			out = append(out, lang)
		}
	}
	return out, nil
}

func (s *MongoStore) findOne(ctx context.Context, coll string, filter bson.M, op string) (*Document, error) {
	db, err := s.db.Database()
	if err != nil {
		return nil, err
	}

	var doc Document
	err = db.Collection(coll).FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, op)
	}
	return &doc, nil
}

// classify maps driver failures onto the error taxonomy.
func classify(err error, op string) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "document store unreachable")
	}
	return errors.Wrap(err, op, "document store query failed")
}
