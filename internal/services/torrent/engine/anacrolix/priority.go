package anacrolix

import (
	"github.com/anacrolix/torrent"

	"torrentstream/mediaengine/internal/domain"
)

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}

// mapPieceState folds the engine's piece flags into the domain state.
func mapPieceState(complete, checking, partial, ok bool) domain.PieceState {
	switch {
	case complete:
		return domain.PieceFinished
	case checking, partial:
		return domain.PieceDownloading
	case !ok:
		return domain.PieceNotAvailable
	default:
		return domain.PieceReady
	}
}
