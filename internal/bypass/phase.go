package bypass

// Phase is a step of the bypass state machine. A run moves forward through
// the phases in order and ends in Success or Failure.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseBackendReady
	PhasePortalLoaded
	PhaseInteracted
	PhaseVerified
	PhaseSuccess
	PhaseFailure
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseBackendReady:
		return "backend-ready"
	case PhasePortalLoaded:
		return "portal-loaded"
	case PhaseInteracted:
		return "interacted"
	case PhaseVerified:
		return "verified"
	case PhaseSuccess:
		return "success"
	case PhaseFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFailure
}
