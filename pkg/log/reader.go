package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events from a log. Each set field narrows the selection;
// slice fields match any of their values.
type Filter struct {
	ConnectionID string
	DeviceID     string
	// PacketType only matches packet events.
	PacketType string

	Directions []Direction
	Layers     []Layer
	Categories []Category

	// Since is inclusive and Until exclusive. Zero values leave the
	// window open on that side.
	Since time.Time
	Until time.Time
}

// Matches reports whether ev satisfies every criterion of f.
func (f Filter) Matches(ev Event) bool {
	switch {
	case f.ConnectionID != "" && ev.ConnectionID != f.ConnectionID:
		return false
	case f.DeviceID != "" && ev.DeviceID != f.DeviceID:
		return false
	case f.PacketType != "" && (ev.Packet == nil || ev.Packet.Type != f.PacketType):
		return false
	case len(f.Directions) > 0 && !slices.Contains(f.Directions, ev.Direction):
		return false
	case len(f.Layers) > 0 && !slices.Contains(f.Layers, ev.Layer):
		return false
	case len(f.Categories) > 0 && !slices.Contains(f.Categories, ev.Category):
		return false
	case !f.Since.IsZero() && ev.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !ev.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// Reader streams events from a .klog file.
type Reader struct {
	f      *os.File
	dec    *cbor.Decoder
	filter Filter
	read   int
}

// NewReader opens path and yields every event in it.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and yields only events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, dec: codec.reader(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		err := r.dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, fmt.Errorf("event %d: %w", r.read+1, err)
		}
		r.read++
		if r.filter.Matches(ev) {
			return ev, nil
		}
	}
}

// Each calls fn for every remaining matching event. It stops at the end of
// the file or at the first error from decoding or from fn.
func (r *Reader) Each(fn func(Event) error) error {
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Read returns how many events have been decoded, matching or not.
func (r *Reader) Read() int { return r.read }

// Close releases the file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadFile collects the events of path that match filter.
func ReadFile(path string, filter Filter) ([]Event, error) {
	r, err := NewFilteredReader(path, filter)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []Event
	err = r.Each(func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

// ParseDirections parses a comma-separated list such as "in,out".
func ParseDirections(s string) ([]Direction, error) {
	return parseList(s, "direction", map[string]Direction{
		"in": DirectionIn, "out": DirectionOut,
	})
}

// ParseLayers parses a comma-separated list of layer names.
func ParseLayers(s string) ([]Layer, error) {
	return parseList(s, "layer", map[string]Layer{
		"channel": LayerChannel, "device": LayerDevice, "plugin": LayerPlugin,
	})
}

// ParseCategories parses a comma-separated list of category names.
func ParseCategories(s string) ([]Category, error) {
	return parseList(s, "category", map[string]Category{
		"packet": CategoryPacket, "state": CategoryState, "error": CategoryError,
	})
}

func parseList[T comparable](s, what string, names map[string]T) ([]T, error) {
	if s == "" {
		return nil, nil
	}
	var out []T
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		v, ok := names[name]
		if !ok {
			return nil, fmt.Errorf("unknown %s %q", what, part)
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, nil
}
