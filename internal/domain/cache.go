package domain

import (
	"errors"
	"time"
)

type MediaCacheMetadata struct {
	Request     MediaFetchRequest `json:"request"`
	SubjectName string            `json:"subjectName"`
	EpisodeName string            `json:"episodeName,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type CacheID string

// MediaCacheRecord is the persisted form of one caching decision.
type MediaCacheRecord struct {
	CacheID    CacheID            `json:"cacheId"`
	Origin     Media              `json:"origin"`
	Metadata   MediaCacheMetadata `json:"metadata"`
	InfoHash   string             `json:"infoHash,omitempty"`
	FileIndex  int                `json:"fileIndex"`
	FilePath   string             `json:"filePath,omitempty"`
	TotalBytes int64              `json:"totalBytes"`
	Paused     bool               `json:"paused"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Validate checks invariants for MediaCacheRecord.
func (r MediaCacheRecord) Validate() error {
	if r.CacheID == "" {
		return errors.New("cache id is required")
	}
	if r.Origin.MediaID == "" {
		return errors.New("origin media id is required")
	}
	if r.FileIndex < 0 {
		return errors.New("fileIndex must not be negative")
	}
	if r.TotalBytes < 0 {
		return errors.New("totalBytes must not be negative")
	}
	return nil
}
