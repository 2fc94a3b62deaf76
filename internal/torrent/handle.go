package torrent

import (
	"io"
	"log/slog"

	"torrentstream/mediaengine/internal/domain"
)

// FileHandle is a lease on a file's download activity. Many handles may be
// open on one entry; the file downloads at the highest priority any of them
// votes for.
type FileHandle struct {
	entry *FileEntry
	// closed is guarded by entry.mu.
	closed bool
}

func (h *FileHandle) Entry() *FileEntry { return h.entry }

// Resume sets this handle's vote and pushes the recomputed priority.
func (h *FileHandle) Resume(prio domain.Priority) error {
	return h.entry.vote(h, prio)
}

// Pause votes to ignore the file. Other handles' votes still apply.
func (h *FileHandle) Pause() error {
	return h.entry.vote(h, domain.PriorityNone)
}

// Close removes this handle's vote. It is idempotent and never fails; a
// failed priority push is only logged.
func (h *FileHandle) Close() error {
	if err := h.entry.dropVote(h); err != nil {
		h.entry.logger.Warn("release file handle", slog.String("error", err.Error()))
	}
	return nil
}

func (h *FileHandle) IsClosed() bool {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.closed
}

func (h *FileHandle) NewReader() (io.ReadSeekCloser, error) {
	if h.IsClosed() {
		return nil, domain.ErrClosed
	}
	return h.entry.NewReader()
}
