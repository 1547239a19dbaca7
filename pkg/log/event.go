package log

import (
	"time"

	"github.com/kclink/kclink-go/pkg/packet"
)

// MaxLoggedBody is the largest packet body captured in a PacketEvent.
const MaxLoggedBody = 4096

// Event is one entry of a protocol log. Exactly one of Packet, StateChange
// and Error is set, matching Category. Fields are keyed by small integers
// on disk.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the channel's UUID. Device-level events that
	// outlive a channel leave it empty.
	ConnectionID string    `cbor:"2,keyasint,omitempty"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`
	RemoteAddr   string    `cbor:"6,keyasint,omitempty"`
	DeviceID     string    `cbor:"7,keyasint,omitempty"`

	Packet      *PacketEvent      `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// enumName returns names[v], or "UNKNOWN" when v is out of range.
func enumName[T ~uint8](v T, names []string) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "UNKNOWN"
}

// Direction is whether a packet was received or sent.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string { return enumName(d, []string{"IN", "OUT"}) }

// Layer is the component that recorded an event.
type Layer uint8

const (
	LayerChannel Layer = iota // transport channel
	LayerDevice               // per-peer session
	LayerPlugin               // plugin manager and plugins
)

func (l Layer) String() string { return enumName(l, []string{"CHANNEL", "DEVICE", "PLUGIN"}) }

// Category says which payload an Event carries.
type Category uint8

const (
	CategoryPacket Category = iota
	CategoryState
	CategoryError
)

func (c Category) String() string { return enumName(c, []string{"PACKET", "STATE", "ERROR"}) }

// PacketEvent records a packet crossing a channel.
type PacketEvent struct {
	ID   int64  `cbor:"1,keyasint"`
	Type string `cbor:"2,keyasint"`
	// Size is the full body length, even when Body is truncated.
	Size      int    `cbor:"3,keyasint"`
	Body      []byte `cbor:"4,keyasint,omitempty"`
	Truncated bool   `cbor:"5,keyasint,omitempty"`
}

// NewPacketEvent captures p, truncating the body to MaxLoggedBody.
func NewPacketEvent(p *packet.Packet) *PacketEvent {
	ev := &PacketEvent{ID: p.ID, Type: p.Type, Size: len(p.Body)}
	body := []byte(p.Body)
	if len(body) > MaxLoggedBody {
		body = body[:MaxLoggedBody]
		ev.Truncated = true
	}
	ev.Body = append([]byte(nil), body...)
	return ev
}

// StateChangeEvent records a channel, trust or plugin transition. OldState
// is empty for the first transition of an entity.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is the thing whose state changed.
type StateEntity uint8

const (
	StateEntityChannel StateEntity = iota // connect or disconnect
	StateEntityTrust                      // pairing state
	StateEntityPlugin                     // load or unload
)

func (s StateEntity) String() string { return enumName(s, []string{"CHANNEL", "TRUST", "PLUGIN"}) }

// ErrorEventData records a failure. Context names the operation that
// failed, such as a packet type or plugin name.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Context string `cbor:"3,keyasint,omitempty"`
}
