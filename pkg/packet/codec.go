package packet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxPacketSize is the largest packet line accepted by a Decoder (1 MB).
const DefaultMaxPacketSize = 1 << 20

// Codec errors.
var (
	ErrPacketTooLarge = errors.New("packet too large")
	ErrEmptyPacket    = errors.New("packet is empty")
)

// Marshal encodes a packet as a single JSON line, including the trailing newline.
func Marshal(p *Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := *p
	if len(out.Body) == 0 {
		out.Body = json.RawMessage("{}")
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a single JSON packet. Surrounding whitespace is ignored.
func Unmarshal(data []byte) (*Packet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encoder writes newline-delimited packets to an underlying writer.
// Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one packet.
func (e *Encoder) Encode(p *Packet) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited packets from an underlying reader.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder creates a Decoder with DefaultMaxPacketSize.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderWithMaxSize(r, DefaultMaxPacketSize)
}

// NewDecoderWithMaxSize creates a Decoder that rejects lines longer than maxSize.
func NewDecoderWithMaxSize(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// Decode reads the next packet. Blank lines are skipped.
// Returns io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (*Packet, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Unmarshal(line)
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > d.maxSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrPacketTooLarge, d.maxSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}
