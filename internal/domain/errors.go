package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrAlreadyExists = errors.New("already exists")
var ErrUnsupported = errors.New("unsupported operation")

// ErrClosed is returned when operating on a handle, cache or session that was
// already closed or deleted.
var ErrClosed = errors.New("resource closed")

// ErrPieceLayout reports that a torrent's piece layout does not agree with the
// file metadata. It is never retried.
var ErrPieceLayout = errors.New("inconsistent piece layout")

var ErrUnsupportedMedia = errors.New("media download kind not supported")

// Torrent engine failures.
var (
	ErrFetchTimeout = errors.New("torrent fetch timed out")
	ErrFetchNetwork = errors.New("torrent fetch network error")
	ErrEngine       = errors.New("torrent engine error")
)
