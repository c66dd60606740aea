package engine

import "github.com/ibeckermayer/portalbypass/internal/backend"

// Method is how a control ended up activated.
type Method int

const (
	MethodDirect Method = iota
	MethodForced
	MethodFailed
)

func (m Method) String() string {
	switch m {
	case MethodDirect:
		return "direct"
	case MethodForced:
		return "forced"
	default:
		return "failed"
	}
}

// Outcome is the result of one keyword lookup.
type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeNoMatch
	OutcomeLookupFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoMatch:
		return "no-match"
	default:
		return "lookup-failed"
	}
}

// Candidate is a control the engine acted on during one pass.
type Candidate struct {
	Element  backend.Element
	Keyword  string
	Category backend.Kind
	Method   Method
	Err      error
}

// Lookup records one keyword query.
type Lookup struct {
	Keyword  string
	Category backend.Kind
	Outcome  Outcome
	Matches  int
	Err      error
}

// Report is everything one Interact pass did.
type Report struct {
	Lookups    []Lookup
	Checkboxes []Candidate
	Button     *Candidate
}

// Clicks counts activated controls, including failed attempts.
func (r Report) Clicks() int {
	n := len(r.Checkboxes)
	if r.Button != nil {
		n++
	}
	return n
}

// LookupFailures counts lookups that errored rather than matching nothing.
func (r Report) LookupFailures() int {
	n := 0
	for _, l := range r.Lookups {
		if l.Outcome == OutcomeLookupFailed {
			n++
		}
	}
	return n
}
