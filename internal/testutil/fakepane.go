// Package testutil provides shared test doubles, most importantly a
// scripted pane manager used by orchestrator, environment, autosync and
// handler tests.
package testutil

import (
	"context"
	"strings"
	"sync"
)

// FakePane implements tmux.Manager with scripted capture output. Capture
// calls pop a FIFO queue; when the queue runs dry the last entry repeats,
// which models a pane whose screen stopped changing.
type FakePane struct {
	mu sync.Mutex

	Alive       map[string]bool
	CreateCalls []string
	KillCalls   []string
	sent        map[string][]string

	captures    []string
	lastCapture string

	// CaptureFn, when set, overrides the queue entirely.
	CaptureFn func(session string, call int) string
	captureN  int

	// EchoSent prefixes each capture with every command sent to the
	// session so far. Real tmux capture-pane output includes the echoed
	// command lines; code scanning captures must not match on them.
	EchoSent bool
}

// NewFakePane returns an empty scripted pane manager.
func NewFakePane() *FakePane {
	return &FakePane{
		Alive: map[string]bool{},
		sent:  map[string][]string{},
	}
}

// QueueCapture appends outputs to the capture script.
func (f *FakePane) QueueCapture(outputs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, outputs...)
}

// Sent returns every text sent to the session, in order.
func (f *FakePane) Sent(session string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[session]))
	copy(out, f.sent[session])
	return out
}

// AllSent returns every text sent to any session, in order of session
// interleaving as recorded.
func (f *FakePane) AllSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, texts := range f.sent {
		out = append(out, texts...)
	}
	return out
}

func (f *FakePane) Exists(_ context.Context, session string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Alive[session], nil
}

func (f *FakePane) Create(ctx context.Context, session, initialCommand string) error {
	f.mu.Lock()
	f.Alive[session] = true
	f.CreateCalls = append(f.CreateCalls, session)
	f.mu.Unlock()
	if initialCommand != "" {
		return f.SendKeys(ctx, session, initialCommand, true)
	}
	return nil
}

func (f *FakePane) Kill(_ context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Alive, session)
	f.KillCalls = append(f.KillCalls, session)
	return nil
}

func (f *FakePane) SendKeys(_ context.Context, session, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[session] = append(f.sent[session], text)
	return nil
}

func (f *FakePane) Capture(_ context.Context, session string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureN++
	if f.CaptureFn != nil {
		return f.CaptureFn(session, f.captureN), nil
	}
	if len(f.captures) > 0 {
		f.lastCapture = f.captures[0]
		f.captures = f.captures[1:]
	}
	if f.EchoSent {
		if echo := strings.Join(f.sent[session], "\n"); echo != "" {
			if f.lastCapture == "" {
				return echo, nil
			}
			return echo + "\n" + f.lastCapture, nil
		}
	}
	return f.lastCapture, nil
}

func (f *FakePane) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, alive := range f.Alive {
		if alive {
			names = append(names, name)
		}
	}
	return names, nil
}
