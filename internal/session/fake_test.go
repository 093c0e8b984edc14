package session

import (
	"context"
	"sync"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/domain"
)

type call struct {
	method string
	args   []any
}

type fakeHandle struct {
	events chan agent.Message
	lag    bool // Close leaves the feed open, like a transport still draining

	mu     sync.Mutex
	calls  []call
	closed bool
	once   sync.Once
	err    error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan agent.Message, 32)}
}

func (h *fakeHandle) record(method string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{method: method, args: args})
	return h.err
}

func (h *fakeHandle) Calls(method string) []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []call
	for _, c := range h.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (h *fakeHandle) Input(_ context.Context, prompt string, images []string, tc domain.TurnContext) error {
	return h.record("Input", prompt, images, tc)
}

func (h *fakeHandle) Respond(_ context.Context, answer []string) error {
	return h.record("Respond", answer)
}

func (h *fakeHandle) RespondToApproval(_ context.Context, approved bool, scope domain.ApprovalScope, deny domain.DenyMode, feedback string) error {
	return h.record("RespondToApproval", approved, scope, deny, feedback)
}

func (h *fakeHandle) SubmitOnboard(_ context.Context, opts domain.OnboardOptions) error {
	return h.record("SubmitOnboard", opts)
}

func (h *fakeHandle) RespondToCheckpoint(_ context.Context, action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	return h.record("RespondToCheckpoint", action, opts)
}

func (h *fakeHandle) SetMode(_ context.Context, mode domain.Mode, turns int) error {
	return h.record("SetMode", mode, turns)
}

func (h *fakeHandle) Events() <-chan agent.Message {
	return h.events
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	lag := h.lag
	h.mu.Unlock()
	if !lag {
		h.finish()
	}
	return nil
}

// finish ends the feed.
func (h *fakeHandle) finish() {
	h.once.Do(func() { close(h.events) })
}

func (h *fakeHandle) push(msgs ...agent.Message) {
	for _, m := range msgs {
		h.events <- m
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	dials   []string
	next    func() *fakeHandle
}

func (d *fakeDialer) Dial(_ context.Context, address, sessionID string) (agent.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := newFakeHandle()
	if d.next != nil {
		h = d.next()
	}
	d.handles = append(d.handles, h)
	d.dials = append(d.dials, address+"/"+sessionID)
	return h, nil
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func msg(typ string, ev domain.Event) agent.Message {
	return agent.Message{Type: typ, Event: ev}
}

func status(st agent.Status) agent.Message {
	return agent.Message{Type: agent.MsgStatus, Event: domain.Event{Status: string(st)}}
}
