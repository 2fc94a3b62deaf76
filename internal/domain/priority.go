package domain

type Priority int

const (
	PriorityNone      Priority = -1 // Ignore: do not download.
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityReadahead Priority = 2 // Within readahead window; maps to PiecePriorityReadahead.
	PriorityNext      Priority = 3 // Very next piece to be consumed; maps to PiecePriorityNext.
	PriorityHigh      Priority = 4 // Immediate need; maps to PiecePriorityNow.
)

// MaxPriority returns the highest of prios, or PriorityNone when empty.
func MaxPriority(prios ...Priority) Priority {
	best := PriorityNone
	for _, p := range prios {
		if p > best {
			best = p
		}
	}
	return best
}

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityReadahead:
		return "readahead"
	case PriorityNext:
		return "next"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name to a Priority, falling back to Normal.
func ParsePriority(raw string) Priority {
	switch raw {
	case "none", "ignore":
		return PriorityNone
	case "low":
		return PriorityLow
	case "readahead":
		return PriorityReadahead
	case "next":
		return PriorityNext
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
