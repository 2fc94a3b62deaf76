package torrent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"torrentstream/mediaengine/internal/domain"
)

func newTestEntry(t *testing.T) (*FileEntry, *fakeSession) {
	t.Helper()
	session := newFakeSession("Show", 100,
		domain.TorrentFile{Index: 0, Path: "Show/Show - 01.mkv", Offset: 0, Length: 300},
		domain.TorrentFile{Index: 1, Path: "Show/Show - 02.mkv", Offset: 300, Length: 300},
	)
	entry, err := EntryForIndex(session, 1, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("EntryForIndex: %v", err)
	}
	return entry, session
}

func TestEntryIdentity(t *testing.T) {
	entry, _ := newTestEntry(t)
	if entry.PathInTorrent != "Show - 02.mkv" {
		t.Fatalf("PathInTorrent = %q", entry.PathInTorrent)
	}
	if entry.RelativePath != "Show/Show - 02.mkv" {
		t.Fatalf("RelativePath = %q", entry.RelativePath)
	}
	pieces, err := entry.Pieces()
	if err != nil {
		t.Fatalf("Pieces: %v", err)
	}
	if len(pieces) != 3 || pieces[0].Index != 3 || pieces[2].Index != 5 {
		t.Fatalf("pieces = %+v, want 3..5", pieces)
	}
}

func TestEntryForIndexMissing(t *testing.T) {
	session := newFakeSession("Show", 100, domain.TorrentFile{Index: 0, Path: "a.mkv", Length: 10})
	if _, err := EntryForIndex(session, 4, t.TempDir(), nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPriorityArbitration(t *testing.T) {
	entry, session := newTestEntry(t)

	low, err := entry.CreateHandle()
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	high, err := entry.CreateHandle()
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}

	if err := low.Resume(domain.PriorityLow); err != nil {
		t.Fatalf("Resume low: %v", err)
	}
	if err := high.Resume(domain.PriorityHigh); err != nil {
		t.Fatalf("Resume high: %v", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityHigh {
		t.Fatalf("effective = %s, want high", got)
	}
	if got := session.priority(1); got != domain.PriorityHigh {
		t.Fatalf("engine priority = %s, want high", got)
	}

	if err := high.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityLow {
		t.Fatalf("effective = %s, want low", got)
	}

	if err := low.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityNone {
		t.Fatalf("effective = %s, want none", got)
	}
	if got := session.priority(1); got != domain.PriorityNone {
		t.Fatalf("engine priority = %s, want none", got)
	}
}

func TestPauseKeepsOtherVotes(t *testing.T) {
	entry, _ := newTestEntry(t)
	a, _ := entry.CreateHandle()
	b, _ := entry.CreateHandle()
	_ = a.Resume(domain.PriorityNormal)
	_ = b.Resume(domain.PriorityHigh)

	if err := b.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityNormal {
		t.Fatalf("effective = %s, want normal", got)
	}
	if err := a.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityNone {
		t.Fatalf("effective = %s, want none", got)
	}
	if n := entry.HandleCount(); n != 2 {
		t.Fatalf("handles = %d, want 2 paused votes", n)
	}
}

func TestClosedHandle(t *testing.T) {
	entry, _ := newTestEntry(t)
	h, _ := entry.CreateHandle()
	_ = h.Resume(domain.PriorityNormal)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.Resume(domain.PriorityHigh); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("Resume after close = %v, want ErrClosed", err)
	}
	if _, err := h.NewReader(); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("NewReader after close = %v, want ErrClosed", err)
	}
	if got := entry.EffectivePriority(); got != domain.PriorityNone {
		t.Fatalf("effective = %s, want none", got)
	}
}

func TestCloseSucceedsWhenPushFails(t *testing.T) {
	entry, session := newTestEntry(t)
	h, _ := entry.CreateHandle()
	_ = h.Resume(domain.PriorityNormal)

	session.mu.Lock()
	session.pushErr = errors.New("engine gone")
	session.mu.Unlock()

	if err := h.Close(); err != nil {
		t.Fatalf("Close = %v, want nil", err)
	}
}

func TestConcurrentVotesSettleOnMaximum(t *testing.T) {
	entry, session := newTestEntry(t)
	prios := []domain.Priority{
		domain.PriorityLow, domain.PriorityNormal, domain.PriorityReadahead,
		domain.PriorityNext, domain.PriorityHigh,
	}

	handles := make([]*FileHandle, 0, 50)
	for i := 0; i < 50; i++ {
		h, err := entry.CreateHandle()
		if err != nil {
			t.Fatalf("CreateHandle: %v", err)
		}
		handles = append(handles, h)
	}

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *FileHandle) {
			defer wg.Done()
			_ = h.Resume(prios[i%len(prios)])
		}(i, h)
	}
	wg.Wait()

	if got := entry.EffectivePriority(); got != domain.PriorityHigh {
		t.Fatalf("effective = %s, want high", got)
	}
	if got := session.priority(1); got != domain.PriorityHigh {
		t.Fatalf("engine priority = %s, want high", got)
	}

	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *FileHandle) {
			defer wg.Done()
			_ = h.Close()
		}(i, h)
	}
	wg.Wait()
	if got := session.priority(1); got != domain.PriorityNone {
		t.Fatalf("engine priority = %s, want none", got)
	}
}

func TestStats(t *testing.T) {
	entry, session := newTestEntry(t)
	session.setCompleted(1, 150)
	session.mu.Lock()
	session.finished[3] = true
	session.mu.Unlock()

	now := time.Now()
	first := entry.statsAt(now)
	if first.Progress != 0.5 || first.DownloadedBytes != 150 || first.TotalBytes != 300 {
		t.Fatalf("stats = %+v", first)
	}
	if first.CompletedPieces != 1 || first.TotalPieces != 3 {
		t.Fatalf("pieces = %d/%d, want 1/3", first.CompletedPieces, first.TotalPieces)
	}
	if first.Finished {
		t.Fatal("file should not be finished")
	}

	session.setCompleted(1, 300)
	second := entry.statsAt(now.Add(time.Second))
	if second.DownloadSpeed != 150 {
		t.Fatalf("speed = %d, want 150", second.DownloadSpeed)
	}
	if !second.Finished || second.Progress != 1 {
		t.Fatalf("stats = %+v, want finished", second)
	}
}

func TestWatchStats(t *testing.T) {
	entry, session := newTestEntry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := entry.WatchStats(ctx, 5*time.Millisecond)
	if first := <-stream; first.DownloadedBytes != 0 {
		t.Fatalf("first = %+v", first)
	}
	session.setCompleted(1, 300)
	for stats := range stream {
		if stats.Finished {
			return
		}
	}
	t.Fatal("stream closed before reporting finished")
}

func TestDeleteFiles(t *testing.T) {
	entry, session := newTestEntry(t)
	full := filepath.Join(entry.dataDir, filepath.FromSlash(entry.RelativePath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, _ := entry.CreateHandle()
	_ = h.Resume(domain.PriorityNormal)

	if err := entry.DeleteFiles(context.Background()); err != nil {
		t.Fatalf("DeleteFiles: %v", err)
	}
	if !entry.IsDeleted() {
		t.Fatal("entry should be deleted")
	}
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Fatalf("file still exists: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(full)); !os.IsNotExist(err) {
		t.Fatalf("empty directory not pruned: %v", err)
	}
	if got := session.priority(1); got != domain.PriorityNone {
		t.Fatalf("engine priority = %s, want none", got)
	}
	if err := h.Resume(domain.PriorityHigh); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("Resume after delete = %v, want ErrClosed", err)
	}
	if _, err := entry.CreateHandle(); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("CreateHandle after delete = %v, want ErrClosed", err)
	}
	if err := entry.DeleteFiles(context.Background()); err != nil {
		t.Fatalf("second DeleteFiles: %v", err)
	}
}

func TestRemoveFilesRejectsEscape(t *testing.T) {
	base := t.TempDir()
	for _, p := range []string{"../outside.mkv", "/etc/passwd", " "} {
		if err := removeFiles(base, []string{p}); err == nil {
			t.Fatalf("removeFiles(%q) should fail", p)
		}
	}
	if err := removeFiles(base, []string{"missing.mkv"}); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestCreateHandleFailsOnBadLayout(t *testing.T) {
	session := newFakeSession("Show", 100, domain.TorrentFile{Index: 0, Path: "Show/a.mkv", Length: 300})
	session.pieces = append(session.pieces[:1], session.pieces[2:]...)
	entry := NewFileEntry(session, session.files[0], t.TempDir(), nil)
	if _, err := entry.CreateHandle(); !errors.Is(err, domain.ErrPieceLayout) {
		t.Fatalf("err = %v, want ErrPieceLayout", err)
	}
}
