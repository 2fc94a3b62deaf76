package ports

import (
	"context"

	"torrentstream/mediaengine/internal/domain"
)

type MediaCacheRepository interface {
	Save(ctx context.Context, record domain.MediaCacheRecord) error
	Get(ctx context.Context, id domain.CacheID) (domain.MediaCacheRecord, error)
	List(ctx context.Context, offset, limit int) ([]domain.MediaCacheRecord, error)
	Delete(ctx context.Context, id domain.CacheID) error
}
