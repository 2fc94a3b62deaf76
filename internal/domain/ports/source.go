package ports

import (
	"context"

	"torrentstream/mediaengine/internal/domain"
)

// PagedSource yields one page per call. A nil or empty page signals
// exhaustion; exhaustion is not an error.
type PagedSource[T any] interface {
	NextPage(ctx context.Context) ([]T, error)
}

// SizedSource is a PagedSource that may know its total item count.
// TotalSize returns domain.UnknownTotal when it does not.
type SizedSource[T any] interface {
	PagedSource[T]
	TotalSize() int
}

// MediaSource is one provider of media candidates. Fetch must not fail for an
// expected "no results"; it returns an empty source instead.
type MediaSource interface {
	ID() string
	Info() domain.SourceInfo
	Fetch(ctx context.Context, request domain.MediaFetchRequest) (SizedSource[domain.MediaMatch], error)
}
