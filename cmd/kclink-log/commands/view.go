// Package commands implements the kclink-log subcommands.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/kclink/kclink-go/pkg/log"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// RunView prints every event of path matching filter to w.
func RunView(path string, filter log.Filter, w io.Writer) error {
	return eachEvent(path, filter, func(ev log.Event) error {
		_, err := io.WriteString(w, renderEvent(ev))
		return err
	})
}

// renderEvent formats one event as a header line, indented details and a
// trailing blank line. Events without a packet show "-" for the direction.
func renderEvent(ev log.Event) string {
	var b strings.Builder
	dir, label := "-", "Unknown"
	switch {
	case ev.Packet != nil:
		dir, label = ev.Direction.String(), ev.Packet.Type
	case ev.StateChange != nil:
		label = "State"
	case ev.Error != nil:
		label = "Error"
	}
	fmt.Fprintf(&b, "%s [conn:%s] %-3s %s %s\n",
		ev.Timestamp.UTC().Format(timeLayout), shortID(ev.ConnectionID), dir, ev.Layer, label)

	line := func(format string, args ...any) {
		b.WriteString("  ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	if ev.DeviceID != "" {
		line("Device: %s", ev.DeviceID)
	}
	if p := ev.Packet; p != nil {
		line("ID: %d", p.ID)
		line("Size: %d bytes", p.Size)
		if len(p.Body) > 0 {
			suffix := ""
			if p.Truncated {
				suffix = " (truncated)"
			}
			line("Body: %s%s", p.Body, suffix)
		}
	}
	if sc := ev.StateChange; sc != nil {
		line("Entity: %s", sc.Entity)
		if sc.OldState != "" {
			line("%s -> %s", sc.OldState, sc.NewState)
		} else {
			line("-> %s", sc.NewState)
		}
		if sc.Reason != "" {
			line("Reason: %s", sc.Reason)
		}
	}
	if e := ev.Error; e != nil {
		line("Layer: %s", e.Layer)
		line("Message: %s", e.Message)
		if e.Context != "" {
			line("Context: %s", e.Context)
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func shortID(id string) string {
	switch {
	case id == "":
		return "-"
	case len(id) > 8:
		return id[:8]
	}
	return id
}
