package commands

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/kclink/kclink-go/pkg/log"
)

// RunStats summarizes the events of path matching filter.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	stats := log.NewStats()
	err := eachEvent(path, filter, func(ev log.Event) error {
		stats.Add(ev)
		return nil
	})
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *log.Stats) {
	fmt.Fprintln(w, "=== kclink Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.Total > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.First.Format(time.RFC3339),
			stats.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.Duration().Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.Total)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryPacket, log.CategoryState, log.CategoryError} {
		if count := stats.ByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Packets by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.ByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if types := stats.TopPacketTypes(); len(types) > 0 {
		fmt.Fprintln(w, "Packet Types:")
		for _, t := range types {
			fmt.Fprintf(w, "  %-32s %d\n", t, stats.PacketTypes[t])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	devices := make([]string, 0, len(stats.Devices))
	for id := range stats.Devices {
		devices = append(devices, id)
	}
	slices.Sort(devices)
	for _, id := range devices {
		fmt.Fprintf(w, "  %s: %d events\n", id, stats.Devices[id])
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
