package domain

// Piece is a fixed-size unit of a torrent. Pieces are owned by the engine;
// callers hold copies of the layout and ask the session for state.
type Piece struct {
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// End returns the offset of the last byte of the piece.
func (p Piece) End() int64 {
	return p.Offset + p.Size - 1
}

type PieceState string

const (
	PieceReady        PieceState = "ready"
	PieceDownloading  PieceState = "downloading"
	PieceFinished     PieceState = "finished"
	PieceFailed       PieceState = "failed"
	PieceNotAvailable PieceState = "not_available"
)

type TorrentFile struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type TorrentStats struct {
	Peers          int   `json:"peers"`
	BytesRead      int64 `json:"bytesRead"`
	BytesWritten   int64 `json:"bytesWritten"`
	BytesCompleted int64 `json:"bytesCompleted"`
	Length         int64 `json:"length"`
}
