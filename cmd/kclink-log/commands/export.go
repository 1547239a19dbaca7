package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kclink/kclink-go/pkg/log"
)

// csvHeader names the columns written by the csv format.
var csvHeader = []string{
	"timestamp", "connection_id", "direction", "layer", "category",
	"device_id", "type", "packet_id", "detail",
}

// RunExport writes the events of path matching filter to output, or to w
// when output is empty. Supported formats are jsonl and csv.
func RunExport(path, format, output string, filter log.Filter, w io.Writer) (err error) {
	var write func(log.Event) error
	var flush func() error

	if output != "" {
		f, cerr := os.Create(output)
		if cerr != nil {
			return fmt.Errorf("create output: %w", cerr)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}

	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		write = func(ev log.Event) error { return enc.Encode(ev) }
		flush = func() error { return nil }
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		write = func(ev log.Event) error { return cw.Write(csvRow(ev)) }
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	default:
		return fmt.Errorf("unknown format %q (supported: jsonl, csv)", format)
	}

	if err := eachEvent(path, filter, write); err != nil {
		return err
	}
	return flush()
}

func csvRow(ev log.Event) []string {
	kind, id, detail := "unknown", "", ""
	if p := ev.Packet; p != nil {
		kind, id, detail = p.Type, strconv.FormatInt(p.ID, 10), string(p.Body)
	} else if sc := ev.StateChange; sc != nil {
		kind = "state"
		detail = fmt.Sprintf("%s %s->%s", sc.Entity, sc.OldState, sc.NewState)
	} else if e := ev.Error; e != nil {
		kind, detail = "error", e.Message
	}
	return []string{
		ev.Timestamp.UTC().Format(timeLayout),
		ev.ConnectionID,
		ev.Direction.String(),
		ev.Layer.String(),
		ev.Category.String(),
		ev.DeviceID,
		kind,
		id,
		detail,
	}
}
