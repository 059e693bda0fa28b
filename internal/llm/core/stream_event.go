package core

import (
	"context"
	"strings"
)

// SendEvent forwards an event unless the context has already been canceled.
func SendEvent(ctx context.Context, events chan<- Event, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- event:
		return nil
	}
}

// SendTerminalEvent emits a terminal event without cancellation checks.
// The events channel must have buffer capacity of at least 1 so that
// the goroutine does not hang when the consumer has stopped reading.
func SendTerminalEvent(events chan<- Event, event Event) {
	select {
	case events <- event:
	default:
	}
}

// CollectText drains a stream and returns the concatenated text deltas.
// A terminal error event is returned as the error; a stream that closes
// without done or error yields ErrNoTerminalEvent.
func CollectText(ctx context.Context, events <-chan Event) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return b.String(), ErrNoTerminalEvent
			}
			switch ev.Type {
			case EventTextDelta:
				b.WriteString(ev.TextDelta)
			case EventDone:
				return b.String(), nil
			case EventError:
				return b.String(), ev.Err
			}
		}
	}
}
