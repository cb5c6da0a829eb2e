package extractor

import (
	"github.com/conveyorhq/conveyor/pkg/errors"
)

// Phase is the lifecycle stage of one extraction run
type Phase int32

const (
	// PhaseIdle is the pre-run state
	PhaseIdle Phase = iota
	// PhaseFetching pulls pages from the source
	PhaseFetching
	// PhaseTransforming normalizes records and applies change detection
	PhaseTransforming
	// PhaseResolving maps external keys to internal IDs
	PhaseResolving
	// PhaseWriting upserts the batch downstream
	PhaseWriting
	// PhaseDone is the successful terminal state
	PhaseDone
	// PhaseFailed is the absorbing failure state
	PhaseFailed
)

// String returns the lowercase phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseTransforming:
		return "transforming"
	case PhaseResolving:
		return "resolving"
	case PhaseWriting:
		return "writing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions encodes the run state machine. Writing loops back to
// Transforming for the next batch; Failed absorbs from everywhere and has
// no outgoing edges — a new run starts a new machine.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseFetching},
	PhaseFetching:     {PhaseTransforming, PhaseDone},
	PhaseTransforming: {PhaseResolving, PhaseDone},
	PhaseResolving:    {PhaseWriting},
	PhaseWriting:      {PhaseTransforming, PhaseDone},
}

// machine tracks the phase of a single run and rejects invalid transitions.
// An invalid transition is a programming error, surfaced as an internal
// error rather than silently corrupting run bookkeeping.
type machine struct {
	current Phase
}

func newMachine() *machine {
	return &machine{current: PhaseIdle}
}

// to advances to the target phase. Failed is reachable from any non-terminal
// phase; nothing leaves Done or Failed.
func (m *machine) to(target Phase) error {
	if m.current == PhaseDone || m.current == PhaseFailed {
		return errors.Newf(errors.ErrorTypeInternal,
			"invalid phase transition %s -> %s", m.current, target)
	}
	if target == PhaseFailed {
		m.current = PhaseFailed
		return nil
	}
	for _, allowed := range validTransitions[m.current] {
		if allowed == target {
			m.current = target
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeInternal,
		"invalid phase transition %s -> %s", m.current, target)
}
