package lib

// ProcessingPass tells the mutating operations whether a frame is being seen
// for the first time or revisited. First-pass frames arrive in ascending
// frame-id order exactly once; replay frames may arrive in any order and must
// never change session state.
type ProcessingPass int

const (
	FirstPass ProcessingPass = iota
	ReplayPass
)

func (p ProcessingPass) String() string {
	switch p {
	case FirstPass:
		return "first"
	case ReplayPass:
		return "replay"
	default:
		return "unknown"
	}
}

// FragmentVerdict classifies what the fragment store decided for one DATA unit.
type FragmentVerdict int

const (
	VerdictUnfragmented FragmentVerdict = iota // B and E both set, nothing stored
	VerdictPending                             // stored, message still has gaps
	VerdictCompleted                           // this fragment completed a message
	VerdictDuplicate                           // same sequence seen from another frame
	VerdictRejected                            // empty payload or payload larger than a pool chunk
)

func (v FragmentVerdict) String() string {
	switch v {
	case VerdictUnfragmented:
		return "unfragmented"
	case VerdictPending:
		return "pending"
	case VerdictCompleted:
		return "completed"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const (
	Red   = "\033[31m"
	Reset = "\033[0m"
)
