package log

import (
	"errors"
	"sync"
	"testing"

	"github.com/kclink/kclink-go/pkg/packet"
)

type captureLogger struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureLogger) Log(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NoopLogger{}
	l.Log(Event{})
}

func TestRecorderZeroValue(t *testing.T) {
	var r Recorder
	r.Packet(DirectionIn, packet.NewPair(true))
	r.State(LayerDevice, StateEntityTrust, "a", "b", "")
	r.Error(LayerDevice, errors.New("x"), "")
}

func TestRecorderStampsEvents(t *testing.T) {
	capture := &captureLogger{}
	r := Recorder{Logger: capture, DeviceID: "phone1"}.WithConnection("conn-9", "10.0.0.2:1716")

	r.Packet(DirectionOut, packet.NewPair(false))
	r.State(LayerDevice, StateEntityChannel, "disconnected", "connected", "")
	r.Error(LayerPlugin, errors.New("boom"), "load ping")
	r.Error(LayerPlugin, nil, "ignored")

	if len(capture.events) != 3 {
		t.Fatalf("got %d events, want 3", len(capture.events))
	}
	for _, ev := range capture.events {
		if ev.DeviceID != "phone1" || ev.ConnectionID != "conn-9" || ev.RemoteAddr != "10.0.0.2:1716" {
			t.Errorf("event not stamped: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	}
	if capture.events[0].Packet == nil || capture.events[0].Packet.Type != packet.TypePair {
		t.Errorf("packet event = %+v", capture.events[0].Packet)
	}
	if capture.events[2].Error.Context != "load ping" {
		t.Errorf("error context = %q", capture.events[2].Error.Context)
	}
}

func TestMultiLogger(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := NewMultiLogger(a, nil, b)

	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	m.Log(Event{DeviceID: "x"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out failed: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestStats(t *testing.T) {
	s := NewStats()
	ping := NewPacketEvent(packet.MustNew("kdeconnect.ping", nil))
	pair := NewPacketEvent(packet.NewPair(true))

	s.Add(Event{DeviceID: "a", ConnectionID: "c1", Direction: DirectionIn, Category: CategoryPacket, Packet: ping})
	s.Add(Event{DeviceID: "a", ConnectionID: "c1", Direction: DirectionOut, Category: CategoryPacket, Packet: ping})
	s.Add(Event{DeviceID: "a", Category: CategoryPacket, Packet: pair})
	s.Add(Event{DeviceID: "b", Category: CategoryError, Error: &ErrorEventData{Message: "x"}})

	if s.Total != 4 || s.Errors != 1 {
		t.Errorf("Total=%d Errors=%d", s.Total, s.Errors)
	}
	if s.Devices["a"] != 3 || len(s.Connections) != 1 {
		t.Errorf("Devices=%v Connections=%v", s.Devices, s.Connections)
	}
	top := s.TopPacketTypes()
	if len(top) != 2 || top[0] != "kdeconnect.ping" {
		t.Errorf("TopPacketTypes() = %v", top)
	}
}
