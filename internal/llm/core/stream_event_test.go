package core

import (
	"context"
	"errors"
	"testing"
)

func TestSendEventDelivered(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	want := Event{Type: EventStart}
	if err := SendEvent(context.Background(), events, want); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	got := <-events
	if got.Type != want.Type {
		t.Fatalf("event type = %q, want %q", got.Type, want.Type)
	}
}

func TestSendEventCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SendEvent(ctx, make(chan Event), Event{Type: EventStart})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendEvent() error = %v, want context canceled", err)
	}
}

func TestSendTerminalEventDropsWhenFull(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	events <- Event{Type: EventTextDelta}
	SendTerminalEvent(events, Event{Type: EventDone})

	got := <-events
	if got.Type != EventTextDelta {
		t.Fatalf("event type = %q, want buffered text_delta", got.Type)
	}
}

func TestCollectText(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 4)
	events <- Event{Type: EventStart}
	events <- Event{Type: EventTextDelta, TextDelta: "Farm "}
	events <- Event{Type: EventTextDelta, TextDelta: "Loan"}
	events <- Event{Type: EventDone, Done: &DonePayload{Reason: StopReasonStop}}
	close(events)

	got, err := CollectText(context.Background(), events)
	if err != nil {
		t.Fatalf("CollectText() error = %v", err)
	}
	if got != "Farm Loan" {
		t.Fatalf("CollectText() = %q, want %q", got, "Farm Loan")
	}
}

func TestCollectTextReturnsStreamError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	events := make(chan Event, 2)
	events <- Event{Type: EventTextDelta, TextDelta: "part"}
	events <- Event{Type: EventError, Err: boom}
	close(events)

	got, err := CollectText(context.Background(), events)
	if !errors.Is(err, boom) {
		t.Fatalf("CollectText() error = %v, want boom", err)
	}
	if got != "part" {
		t.Fatalf("partial text = %q, want %q", got, "part")
	}
}

func TestCollectTextWithoutTerminal(t *testing.T) {
	t.Parallel()

	events := make(chan Event)
	close(events)
	if _, err := CollectText(context.Background(), events); !errors.Is(err, ErrNoTerminalEvent) {
		t.Fatalf("CollectText() error = %v, want ErrNoTerminalEvent", err)
	}
}
