package speedtest

// Phase is the stage of a run. Phases only move forward in declaration
// order, or jump to one of the terminal failure phases.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseDownloadStarted
	PhaseDownloadFinished
	PhaseUploadStarted
	PhaseUploadFinished
	PhaseCompleted
	PhaseExpired
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseDownloadStarted:
		return "download-started"
	case PhaseDownloadFinished:
		return "download-finished"
	case PhaseUploadStarted:
		return "upload-started"
	case PhaseUploadFinished:
		return "upload-finished"
	case PhaseCompleted:
		return "completed"
	case PhaseExpired:
		return "expired"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseExpired || p == PhaseAborted
}

// canAdvance reports whether from -> to is an edge of the run state machine.
func canAdvance(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case PhaseExpired, PhaseAborted:
		return true
	case PhaseCompleted:
		return from == PhaseUploadFinished
	default:
		return to == from+1
	}
}
