package events

import (
	"context"
	"sync"
	"time"
)

// Sink receives the events of a turn in order.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event. It still reports cancellation.
var Discard Sink = SinkFunc(func(ctx context.Context, _ Event) error { return ctx.Err() })

// Emitter is a channel-backed Sink. The producing turn owns the channel and
// closes it with Close; the consumer ranges over Events. A cancelled context
// makes Emit return immediately so the producer stops.
type Emitter struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewEmitter creates an emitter with the given channel buffer.
func NewEmitter(buffer int) *Emitter {
	if buffer < 0 {
		buffer = 0
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Emit implements Sink.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Close ends the stream. Only the producer may call it.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.ch) })
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// Turn stamps events with the turn's session id and a sequence number.
type Turn struct {
	sink      Sink
	sessionID string
	seq       int
	now       func() time.Time
	observe   func(Kind)
}

// NewTurn wraps sink for one turn.
func NewTurn(sink Sink, sessionID string) *Turn {
	if sink == nil {
		sink = Discard
	}
	return &Turn{sink: sink, sessionID: sessionID, now: time.Now}
}

// OnEmit registers a callback invoked for every event that reaches the sink.
func (t *Turn) OnEmit(fn func(Kind)) { t.observe = fn }

// SessionID returns the turn's session id.
func (t *Turn) SessionID() string { return t.sessionID }

// Emit sends one event.
func (t *Turn) Emit(ctx context.Context, kind Kind, data any) error {
	t.seq++
	err := t.sink.Emit(ctx, Event{
		Kind:      kind,
		Seq:       t.seq,
		SessionID: t.sessionID,
		Time:      t.now().UTC(),
		Data:      data,
	})
	if err == nil && t.observe != nil {
		t.observe(kind)
	}
	return err
}
