package chatapp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

// REPLConfig wires a terminal chat loop.
type REPLConfig struct {
	Session SessionController
	Catalog store.Catalog
	In      io.Reader
	Out     io.Writer
}

// RunREPL reads lines from In until EOF, /quit or ctx is done. Slash
// commands run immediately; other lines are sent in order, each once the
// previous reply has finished. Replies stream to Out as tokens arrive.
func RunREPL(ctx context.Context, cfg REPLConfig) error {
	r := &renderer{out: cfg.Out}
	r.render(cfg.Session.Snapshot())

	// Every published snapshot wakes the loop so queued lines go out as soon
	// as the previous turn ends.
	wake := make(chan struct{}, 1)
	unsubscribe := cfg.Session.Subscribe(func(snap conversation.Snapshot) {
		r.render(snap)
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	lines := readLines(cfg.In, done)

	quit := false
	env := CommandEnv{
		Session:    cfg.Session,
		Catalog:    cfg.Catalog,
		Print:      r.println,
		PrintError: func(text string) { r.println("error: " + text) },
		Quit:       func() { quit = true },
	}

	var pending []string
	input := lines
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-input:
			if !ok {
				input = nil
				break
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case strings.HasPrefix(line, "/"):
				ExecuteSlashCommand(ctx, line, env)
				if quit {
					return nil
				}
			default:
				pending = append(pending, line)
			}
		case <-wake:
		}

		if len(pending) > 0 && !cfg.Session.Busy() {
			next := pending[0]
			pending = pending[1:]
			r.println("you> " + next)
			if err := cfg.Session.Send(ctx, next); err != nil {
				env.PrintError(err.Error())
			}
		}
		if input == nil && len(pending) == 0 && !cfg.Session.Busy() {
			return nil
		}
	}
}

// readLines scans in on its own goroutine. Once done is closed the goroutine
// stops at the next line it reads instead of waiting for a receiver; a Scan
// already blocked on in returns only when in yields data or fails.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case <-done:
				return
			default:
			}
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// renderer prints streaming replies incrementally and surfaces new errors.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	streamID  string
	printed   int
	lastError string
}

func (r *renderer) render(snap conversation.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg, ok := snap.Message(snap.StreamingMessageID); ok && snap.StreamingMessageID != "" {
		if msg.ID != r.streamID {
			r.endStreamLocked()
			r.streamID = msg.ID
			fmt.Fprint(r.out, "assistant> ")
		}
		if len(msg.Content) > r.printed {
			fmt.Fprint(r.out, msg.Content[r.printed:])
			r.printed = len(msg.Content)
		}
	} else {
		r.endStreamLocked()
	}

	if snap.Error != "" && snap.Error != r.lastError {
		fmt.Fprintf(r.out, "error: %s\n", snap.Error)
	}
	r.lastError = snap.Error
}

func (r *renderer) endStreamLocked() {
	if r.streamID == "" {
		return
	}
	fmt.Fprintln(r.out)
	r.streamID = ""
	r.printed = 0
}

func (r *renderer) println(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, text)
}
