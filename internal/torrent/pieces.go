package torrent

import (
	"fmt"
	"sort"

	"torrentstream/mediaengine/internal/domain"
)

// MatchPiecesForFile returns the ordered, contiguous run of pieces covering
// the file byte range [offset, offset+length). A layout that leaves a gap or
// does not cover the file wraps domain.ErrPieceLayout.
func MatchPiecesForFile(pieces []domain.Piece, offset, length int64) ([]domain.Piece, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative file range offset=%d length=%d", domain.ErrPieceLayout, offset, length)
	}
	end := offset + length

	matched := make([]domain.Piece, 0)
	for _, p := range pieces {
		if p.Size <= 0 {
			continue
		}
		if p.Offset < end && p.Offset+p.Size > offset {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Offset < matched[j].Offset
	})

	if len(matched) == 0 {
		if length == 0 {
			return matched, nil
		}
		return nil, fmt.Errorf("%w: no pieces for offset=%d length=%d", domain.ErrPieceLayout, offset, length)
	}

	for i := 1; i < len(matched); i++ {
		prev, cur := matched[i-1], matched[i]
		if cur.Offset != prev.End()+1 {
			return nil, fmt.Errorf("%w: piece %d starts at %d, expected %d after piece %d",
				domain.ErrPieceLayout, cur.Index, cur.Offset, prev.End()+1, prev.Index)
		}
	}

	first, last := matched[0], matched[len(matched)-1]
	if first.Offset > offset || last.End()+1 < end {
		return nil, fmt.Errorf("%w: pieces cover [%d, %d], file needs [%d, %d)",
			domain.ErrPieceLayout, first.Offset, last.End(), offset, end)
	}
	if covered := last.End() + 1 - first.Offset; covered < length {
		return nil, fmt.Errorf("%w: pieces cover %d bytes, file has %d",
			domain.ErrPieceLayout, covered, length)
	}
	return matched, nil
}

// UniformPieces lays out count pieces of size bytes, the last one truncated
// to total.
func UniformPieces(total, size int64) []domain.Piece {
	if total <= 0 || size <= 0 {
		return nil
	}
	n := int((total + size - 1) / size)
	pieces := make([]domain.Piece, 0, n)
	for i := 0; i < n; i++ {
		off := int64(i) * size
		length := size
		if off+length > total {
			length = total - off
		}
		pieces = append(pieces, domain.Piece{Index: i, Offset: off, Size: length})
	}
	return pieces
}
