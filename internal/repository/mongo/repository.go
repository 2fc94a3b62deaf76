package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentstream/mediaengine/internal/domain"
)

type Repository struct {
	collection *mongo.Collection
}

type locationDoc struct {
	Kind string `bson:"kind"`
	URI  string `bson:"uri"`
}

type mediaDoc struct {
	MediaID           string      `bson:"mediaId"`
	SourceID          string      `bson:"sourceId"`
	OriginalTitle     string      `bson:"originalTitle"`
	OriginalURL       string      `bson:"originalUrl,omitempty"`
	Download          locationDoc `bson:"download"`
	Resolution        string      `bson:"resolution,omitempty"`
	SubtitleLanguages []string    `bson:"subtitleLanguages,omitempty"`
	SizeBytes         int64       `bson:"sizeBytes,omitempty"`
	Alliance          string      `bson:"alliance,omitempty"`
	PublishedAt       int64       `bson:"publishedAt,omitempty"`
}

type requestDoc struct {
	SubjectID    string   `bson:"subjectId"`
	EpisodeID    string   `bson:"episodeId"`
	SubjectNames []string `bson:"subjectNames,omitempty"`
	EpisodeSort  string   `bson:"episodeSort"`
	EpisodeEp    string   `bson:"episodeEp,omitempty"`
	EpisodeName  string   `bson:"episodeName,omitempty"`
}

type cacheDoc struct {
	ID          string            `bson:"_id"`
	Origin      mediaDoc          `bson:"origin"`
	Request     requestDoc        `bson:"request"`
	SubjectName string            `bson:"subjectName"`
	EpisodeName string            `bson:"episodeName,omitempty"`
	Extra       map[string]string `bson:"extra,omitempty"`
	InfoHash    string            `bson:"infoHash,omitempty"`
	FileIndex   int               `bson:"fileIndex"`
	FilePath    string            `bson:"filePath,omitempty"`
	TotalBytes  int64             `bson:"totalBytes"`
	Paused      bool              `bson:"paused"`
	CreatedAt   int64             `bson:"createdAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "origin.mediaId", Value: 1}}},
		{Keys: bson.D{{Key: "infoHash", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Save inserts or replaces the record with the same cache id.
func (r *Repository) Save(ctx context.Context, rec domain.MediaCacheRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	doc := toDoc(rec)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *Repository) Get(ctx context.Context, id domain.CacheID) (domain.MediaCacheRecord, error) {
	var doc cacheDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.MediaCacheRecord{}, domain.ErrNotFound
		}
		return domain.MediaCacheRecord{}, err
	}
	return fromDoc(doc), nil
}

// List returns records newest first.
func (r *Repository) List(ctx context.Context, offset, limit int) ([]domain.MediaCacheRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []cacheDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func (r *Repository) Delete(ctx context.Context, id domain.CacheID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toDoc(rec domain.MediaCacheRecord) cacheDoc {
	m := rec.Origin
	var published int64
	if m.PublishedAt != nil {
		published = m.PublishedAt.Unix()
	}
	req := rec.Metadata.Request
	return cacheDoc{
		ID: string(rec.CacheID),
		Origin: mediaDoc{
			MediaID:           m.MediaID,
			SourceID:          m.MediaSourceID,
			OriginalTitle:     m.OriginalTitle,
			OriginalURL:       m.OriginalURL,
			Download:          locationDoc{Kind: string(m.Download.Kind), URI: m.Download.URI},
			Resolution:        m.Properties.Resolution,
			SubtitleLanguages: m.Properties.SubtitleLanguages,
			SizeBytes:         m.Properties.SizeBytes,
			Alliance:          m.Properties.Alliance,
			PublishedAt:       published,
		},
		Request: requestDoc{
			SubjectID:    req.SubjectID,
			EpisodeID:    req.EpisodeID,
			SubjectNames: req.SubjectNames,
			EpisodeSort:  string(req.EpisodeSort),
			EpisodeEp:    string(req.EpisodeEp),
			EpisodeName:  req.EpisodeName,
		},
		SubjectName: rec.Metadata.SubjectName,
		EpisodeName: rec.Metadata.EpisodeName,
		Extra:       rec.Metadata.Extra,
		InfoHash:    rec.InfoHash,
		FileIndex:   rec.FileIndex,
		FilePath:    rec.FilePath,
		TotalBytes:  rec.TotalBytes,
		Paused:      rec.Paused,
		CreatedAt:   rec.CreatedAt.UnixMilli(),
	}
}

func fromDoc(doc cacheDoc) domain.MediaCacheRecord {
	o := doc.Origin
	var published *time.Time
	if o.PublishedAt != 0 {
		t := timeFromUnix(o.PublishedAt)
		published = &t
	}
	return domain.MediaCacheRecord{
		CacheID: domain.CacheID(doc.ID),
		Origin: domain.Media{
			MediaID:       o.MediaID,
			MediaSourceID: o.SourceID,
			OriginalTitle: o.OriginalTitle,
			OriginalURL:   o.OriginalURL,
			Download:      domain.ResourceLocation{Kind: domain.ResourceKind(o.Download.Kind), URI: o.Download.URI},
			Properties: domain.MediaProperties{
				Resolution:        o.Resolution,
				SubtitleLanguages: o.SubtitleLanguages,
				SizeBytes:         o.SizeBytes,
				Alliance:          o.Alliance,
			},
			PublishedAt: published,
		},
		Metadata: domain.MediaCacheMetadata{
			Request: domain.MediaFetchRequest{
				SubjectID:    doc.Request.SubjectID,
				EpisodeID:    doc.Request.EpisodeID,
				SubjectNames: doc.Request.SubjectNames,
				EpisodeSort:  domain.EpisodeSort(doc.Request.EpisodeSort),
				EpisodeEp:    domain.EpisodeSort(doc.Request.EpisodeEp),
				EpisodeName:  doc.Request.EpisodeName,
			},
			SubjectName: doc.SubjectName,
			EpisodeName: doc.EpisodeName,
			Extra:       doc.Extra,
		},
		InfoHash:   doc.InfoHash,
		FileIndex:  doc.FileIndex,
		FilePath:   doc.FilePath,
		TotalBytes: doc.TotalBytes,
		Paused:     doc.Paused,
		CreatedAt:  time.UnixMilli(doc.CreatedAt).UTC(),
	}
}

func fromDocs(docs []cacheDoc) []domain.MediaCacheRecord {
	records := make([]domain.MediaCacheRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
