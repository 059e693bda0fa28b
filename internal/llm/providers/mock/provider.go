package mockprovider

import (
	"context"
	"sync"
	"time"

	"agfinbot/internal/llm/core"
)

// Provider emits predefined event scripts for deterministic tests.
//
// Each Stream call consumes the next entry of Scripts; once Scripts runs out
// the last entry is reused, and Events is used when Scripts is empty.
type Provider struct {
	Events  []core.Event
	Scripts [][]core.Event
	Delay   time.Duration
	// Err is returned from Stream before any event is produced.
	Err error
	// HoldOpen keeps the stream open after the script until ctx is done.
	HoldOpen bool

	mu       sync.Mutex
	calls    int
	requests []core.Request
}

// Requests returns copies of every request passed to Stream.
func (m *Provider) Requests() []core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Request(nil), m.requests...)
}

// Calls returns the number of Stream invocations.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Provider) nextScript(req *core.Request) []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req != nil {
		copied := *req
		copied.Messages = append([]core.Message(nil), req.Messages...)
		m.requests = append(m.requests, copied)
	}
	idx := m.calls
	m.calls++
	if len(m.Scripts) == 0 {
		return m.Events
	}
	if idx >= len(m.Scripts) {
		idx = len(m.Scripts) - 1
	}
	return m.Scripts[idx]
}

// Stream emits scripted events in order until exhaustion or cancellation.
func (m *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	script := m.nextScript(req)
	if m.Err != nil {
		return nil, m.Err
	}

	out := make(chan core.Event, 1)
	aborted := func() {
		core.SendTerminalEvent(out, core.Event{
			Type: core.EventError,
			Done: &core.DonePayload{Reason: core.StopReasonAborted},
			Err:  ctx.Err(),
		})
	}

	go func() {
		defer close(out)
		for _, ev := range script {
			if m.Delay > 0 {
				if err := core.SleepContext(ctx, m.Delay); err != nil {
					aborted()
					return
				}
			}

			select {
			case <-ctx.Done():
				aborted()
				return
			case out <- ev:
			}
		}
		if m.HoldOpen {
			<-ctx.Done()
			aborted()
		}
	}()

	return out, nil
}

// TextScript builds a successful stream that emits each chunk as a text delta.
func TextScript(chunks ...string) []core.Event {
	events := make([]core.Event, 0, len(chunks)+2)
	events = append(events, core.Event{Type: core.EventStart})
	for _, chunk := range chunks {
		events = append(events, core.Event{Type: core.EventTextDelta, TextDelta: chunk})
	}
	return append(events, core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop}})
}
