package conversation

import "fmt"

// Phase is the lifecycle position of one assistant turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarted
	PhaseStreaming
	PhaseCompleted
	PhaseCancelled
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarted:
		return "started"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseErrored:
		return "errored"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further events are accepted.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseErrored
}

// StreamEvent is one lifecycle event delivered for a turn.
type StreamEvent string

const (
	StreamStart  StreamEvent = "start"
	StreamToken  StreamEvent = "token"
	StreamEnd    StreamEvent = "end"
	StreamError  StreamEvent = "error"
	StreamCancel StreamEvent = "cancel"
)

// Transition returns the phase reached by applying ev in phase from.
//
// A token before any start implies the start. A repeated start before the
// first token is accepted so that a reconnect can announce itself again.
// Terminal phases reject every event with ErrTurnFinished.
func Transition(from Phase, ev StreamEvent) (Phase, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s after %s", ErrTurnFinished, ev, from)
	}
	switch ev {
	case StreamStart:
		if from == PhaseStreaming {
			return from, fmt.Errorf("%w: start while streaming", ErrInvalidTransition)
		}
		return PhaseStarted, nil
	case StreamToken:
		return PhaseStreaming, nil
	case StreamEnd:
		return PhaseCompleted, nil
	case StreamError:
		return PhaseErrored, nil
	case StreamCancel:
		return PhaseCancelled, nil
	default:
		return from, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
}
