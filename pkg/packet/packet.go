package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Built-in packet types.
const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// ProtocolVersion is the protocol version announced in identity packets.
const ProtocolVersion = 7

// Packet errors.
var (
	ErrMissingType = errors.New("packet type is required")
	ErrWrongType   = errors.New("unexpected packet type")
	ErrInvalidBody = errors.New("invalid packet body")
)

// Packet is a single message exchanged with a peer.
type Packet struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// New creates a packet of the given type with body encoded as JSON.
// The packet ID is the current time in milliseconds.
func New(packetType string, body any) (*Packet, error) {
	if packetType == "" {
		return nil, ErrMissingType
	}
	raw, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return &Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: raw,
	}, nil
}

// MustNew is like New but panics on error. Intended for static bodies.
func MustNew(packetType string, body any) *Packet {
	p, err := New(packetType, body)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks that the packet has a type and an object body.
func (p *Packet) Validate() error {
	if p == nil || p.Type == "" {
		return ErrMissingType
	}
	if len(p.Body) == 0 {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(p.Body, &probe); err != nil {
		return fmt.Errorf("%w: body must be an object", ErrInvalidBody)
	}
	return nil
}

// DecodeBody unmarshals the packet body into v.
func (p *Packet) DecodeBody(v any) error {
	if len(p.Body) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

// String returns a short description for logs.
func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", p.Type, p.ID)
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	}
	return json.Marshal(body)
}

// IdentityBody is the body of a TypeIdentity packet.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion,omitempty"`
	TCPHost              string   `json:"tcpHost,omitempty"`
	TCPPort              int      `json:"tcpPort,omitempty"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// NewIdentity creates an identity packet.
func NewIdentity(body IdentityBody) *Packet {
	if body.ProtocolVersion == 0 {
		body.ProtocolVersion = ProtocolVersion
	}
	if body.IncomingCapabilities == nil {
		body.IncomingCapabilities = []string{}
	}
	if body.OutgoingCapabilities == nil {
		body.OutgoingCapabilities = []string{}
	}
	return MustNew(TypeIdentity, body)
}

// DecodeIdentity extracts the identity body from a TypeIdentity packet.
func DecodeIdentity(p *Packet) (IdentityBody, error) {
	var body IdentityBody
	if p == nil || p.Type != TypeIdentity {
		return body, ErrWrongType
	}
	err := p.DecodeBody(&body)
	return body, err
}

// PairBody is the body of a TypePair packet.
type PairBody struct {
	Pair bool `json:"pair"`
}

// NewPair creates a pair packet. pair=true requests or confirms pairing,
// pair=false rejects a request or revokes trust.
func NewPair(pair bool) *Packet {
	p := MustNew(TypePair, PairBody{Pair: pair})
	p.ID = 0
	return p
}

// DecodePair extracts the pair flag from a TypePair packet.
func DecodePair(p *Packet) (bool, error) {
	if p == nil || p.Type != TypePair {
		return false, ErrWrongType
	}
	var body struct {
		Pair *bool `json:"pair"`
	}
	if err := p.DecodeBody(&body); err != nil {
		return false, err
	}
	if body.Pair == nil {
		return false, fmt.Errorf("%w: missing pair flag", ErrInvalidBody)
	}
	return *body.Pair, nil
}
