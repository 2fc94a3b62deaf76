// Package bolt stores media cache records in a local BoltDB file.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"torrentstream/mediaengine/internal/domain"
)

var (
	bucketCaches = []byte("media_caches")
	// bucketByTime maps createdAt (big endian nanos) + id to id.
	bucketByTime = []byte("media_caches_by_time")
)

type Repository struct {
	db *bolt.DB
}

func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCaches, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts or replaces the record with the same cache id.
func (r *Repository) Save(ctx context.Context, rec domain.MediaCacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		byTime := tx.Bucket(bucketByTime)
		id := []byte(rec.CacheID)

		if old := caches.Get(id); old != nil {
			var prev domain.MediaCacheRecord
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := byTime.Delete(timeKey(prev.CreatedAt, prev.CacheID)); err != nil {
					return err
				}
			}
		}
		if err := caches.Put(id, data); err != nil {
			return err
		}
		return byTime.Put(timeKey(rec.CreatedAt, rec.CacheID), id)
	})
}

func (r *Repository) Get(ctx context.Context, id domain.CacheID) (domain.MediaCacheRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaCacheRecord{}, err
	}
	var rec domain.MediaCacheRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCaches).Get([]byte(id))
		if v == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// List returns records newest first.
func (r *Repository) List(ctx context.Context, offset, limit int) ([]domain.MediaCacheRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.MediaCacheRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		c := tx.Bucket(bucketByTime).Cursor()
		skipped := 0
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			v := caches.Get(id)
			if v == nil {
				continue
			}
			var rec domain.MediaCacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (r *Repository) Delete(ctx context.Context, id domain.CacheID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		v := caches.Get([]byte(id))
		if v == nil {
			return domain.ErrNotFound
		}
		var rec domain.MediaCacheRecord
		if err := json.Unmarshal(v, &rec); err == nil {
			if err := tx.Bucket(bucketByTime).Delete(timeKey(rec.CreatedAt, rec.CacheID)); err != nil {
				return err
			}
		}
		return caches.Delete([]byte(id))
	})
}

func timeKey(t time.Time, id domain.CacheID) []byte {
	var buf bytes.Buffer
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	buf.Write(ts[:])
	buf.WriteString(string(id))
	return buf.Bytes()
}
