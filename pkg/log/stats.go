package log

import (
	"sort"
	"time"
)

// Stats summarizes a stream of events.
type Stats struct {
	Total       int
	First, Last time.Time
	ByCategory  map[Category]int
	ByDirection map[Direction]int
	PacketTypes map[string]int
	Devices     map[string]int
	Connections map[string]int
	Errors      int
}

// NewStats returns empty stats.
func NewStats() *Stats {
	return &Stats{
		ByCategory:  make(map[Category]int),
		ByDirection: make(map[Direction]int),
		PacketTypes: make(map[string]int),
		Devices:     make(map[string]int),
		Connections: make(map[string]int),
	}
}

// Add accounts for one event.
func (s *Stats) Add(ev Event) {
	s.Total++
	if s.First.IsZero() || ev.Timestamp.Before(s.First) {
		s.First = ev.Timestamp
	}
	if ev.Timestamp.After(s.Last) {
		s.Last = ev.Timestamp
	}
	s.ByCategory[ev.Category]++
	if ev.DeviceID != "" {
		s.Devices[ev.DeviceID]++
	}
	if ev.ConnectionID != "" {
		s.Connections[ev.ConnectionID]++
	}
	switch {
	case ev.Packet != nil:
		s.ByDirection[ev.Direction]++
		s.PacketTypes[ev.Packet.Type]++
	case ev.Error != nil:
		s.Errors++
	}
}

// Duration is the time between the first and last event.
func (s *Stats) Duration() time.Duration {
	return s.Last.Sub(s.First)
}

// TopPacketTypes returns packet types by descending count, ties by name.
func (s *Stats) TopPacketTypes() []string {
	types := make([]string, 0, len(s.PacketTypes))
	for t := range s.PacketTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		ci, cj := s.PacketTypes[types[i]], s.PacketTypes[types[j]]
		if ci != cj {
			return ci > cj
		}
		return types[i] < types[j]
	})
	return types
}
