package capture

import (
	"context"
	"time"

	"session-capture-proxy/pkg/types"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventCredential EventKind = "credential"
	EventRecords    EventKind = "records"
)

// Event is emitted by an engine when intercepted traffic yields something.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Credential *types.Credential `json:"credential,omitempty"`
	// Records is the cumulative de-duplicated list of the session.
	Records []types.Record `json:"records,omitempty"`
	// Added is the number of records new in this batch.
	Added    int       `json:"added,omitempty"`
	Label    string    `json:"label,omitempty"`
	Continue bool      `json:"continue,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives events. Emit may block; it must give up when ctx is done.
type Sink interface {
	Emit(ctx context.Context, ev Event) bool
}

// ChannelSink delivers events over a bounded channel.
type ChannelSink struct {
	C chan<- Event
}

// Emit blocks until the event is queued or ctx is done.
func (s ChannelSink) Emit(ctx context.Context, ev Event) bool {
	if s.C == nil {
		return false
	}
	select {
	case s.C <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) bool

func (f SinkFunc) Emit(ctx context.Context, ev Event) bool {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) bool { return true })
