package domain

import "encoding/json"

type SourcePhase string

const (
	SourceIdle      SourcePhase = "idle"
	SourceWorking   SourcePhase = "working"
	SourceSucceed   SourcePhase = "succeed"
	SourceFailed    SourcePhase = "failed"    // The provider itself failed.
	SourceAbandoned SourcePhase = "abandoned" // A consumer of the results failed.
)

// MediaSourceState is the per-source state of a fetch session. Cause is set
// only for Failed and Abandoned.
type MediaSourceState struct {
	Phase SourcePhase
	Cause error
}

func SourceStateIdle() MediaSourceState    { return MediaSourceState{Phase: SourceIdle} }
func SourceStateWorking() MediaSourceState { return MediaSourceState{Phase: SourceWorking} }
func SourceStateSucceed() MediaSourceState { return MediaSourceState{Phase: SourceSucceed} }

func SourceStateFailed(cause error) MediaSourceState {
	return MediaSourceState{Phase: SourceFailed, Cause: cause}
}

func SourceStateAbandoned(cause error) MediaSourceState {
	return MediaSourceState{Phase: SourceAbandoned, Cause: cause}
}

// IsTerminal reports whether no further transitions happen without a restart.
func (s MediaSourceState) IsTerminal() bool {
	switch s.Phase {
	case SourceSucceed, SourceFailed, SourceAbandoned:
		return true
	case SourceIdle, SourceWorking:
		return false
	default:
		return false
	}
}

func (s MediaSourceState) String() string {
	if s.Cause != nil {
		return string(s.Phase) + ": " + s.Cause.Error()
	}
	return string(s.Phase)
}

func (s MediaSourceState) MarshalJSON() ([]byte, error) {
	out := struct {
		Phase SourcePhase `json:"phase"`
		Error string      `json:"error,omitempty"`
	}{Phase: s.Phase}
	if s.Cause != nil {
		out.Error = s.Cause.Error()
	}
	return json.Marshal(out)
}

// UnknownTotal marks a Progress whose source did not report its size.
const UnknownTotal = -1

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (p Progress) TotalKnown() bool { return p.Total >= 0 }
