package log

import (
	"time"

	"github.com/kclink/kclink-go/pkg/packet"
)

// Logger is the interface applications implement to receive protocol log events.
// Pass nil or NoopLogger to disable logging.
type Logger interface {
	// Log records a protocol event. Implementations must be thread-safe and
	// must not block for long: events are emitted from the session loop.
	Log(event Event)
}

// NoopLogger discards all events.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}

// Recorder stamps events with the session's identifiers before passing them
// to a Logger. The zero value discards everything.
type Recorder struct {
	Logger       Logger
	DeviceID     string
	ConnectionID string
	RemoteAddr   string
}

// WithConnection returns a copy of r bound to a channel.
func (r Recorder) WithConnection(connID, remoteAddr string) Recorder {
	r.ConnectionID = connID
	r.RemoteAddr = remoteAddr
	return r
}

// Packet records a packet crossing the channel.
func (r Recorder) Packet(dir Direction, p *packet.Packet) {
	if r.Logger == nil || p == nil {
		return
	}
	r.emit(Event{
		Direction: dir,
		Layer:     LayerChannel,
		Category:  CategoryPacket,
		Packet:    NewPacketEvent(p),
	})
}

// State records a state transition.
func (r Recorder) State(layer Layer, entity StateEntity, oldState, newState, reason string) {
	if r.Logger == nil {
		return
	}
	r.emit(Event{
		Layer:    layer,
		Category: CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// Error records a failure. A nil err is ignored.
func (r Recorder) Error(layer Layer, err error, context string) {
	if r.Logger == nil || err == nil {
		return
	}
	r.emit(Event{
		Layer:    layer,
		Category: CategoryError,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: context,
		},
	})
}

func (r Recorder) emit(ev Event) {
	ev.Timestamp = time.Now()
	ev.DeviceID = r.DeviceID
	ev.ConnectionID = r.ConnectionID
	ev.RemoteAddr = r.RemoteAddr
	r.Logger.Log(ev)
}
