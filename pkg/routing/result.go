package routing

type Result int

const (
	ResultAccepted Result = iota
	ResultSelfLoop
	ResultBanned
	ResultInvalidSignature
	ResultStale
	ResultDuplicate
	ResultConflict
	// ResultInvalidType is an edge whose type is neither Added nor Removed.
	ResultInvalidType
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultSelfLoop:
		return "self_loop"
	case ResultBanned:
		return "banned"
	case ResultInvalidSignature:
		return "invalid_signature"
	case ResultStale:
		return "stale"
	case ResultDuplicate:
		return "duplicate"
	case ResultConflict:
		return "conflict"
	case ResultInvalidType:
		return "invalid_type"
	default:
		return "unknown"
	}
}

// Accepted reports whether the edge changed the table and should be
// rebroadcast.
func (r Result) Accepted() bool {
	return r == ResultAccepted
}

// Malicious reports results that only a misbehaving peer can produce.
func (r Result) Malicious() bool {
	return r == ResultInvalidSignature || r == ResultInvalidType || r == ResultConflict
}
