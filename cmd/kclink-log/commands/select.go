package commands

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/kclink/kclink-go/pkg/log"
)

// Selection holds the raw event-selection flags shared by the view,
// export and filter commands.
type Selection struct {
	ConnID     string
	DeviceID   string
	PacketType string
	Layers     string
	Directions string
	Categories string
	Since      string
	Until      string
}

// Register adds the selection flags to fs.
func (s *Selection) Register(fs *flag.FlagSet) {
	fs.StringVar(&s.ConnID, "conn-id", "", "only events of this connection ID")
	fs.StringVar(&s.DeviceID, "device-id", "", "only events of this device ID")
	fs.StringVar(&s.PacketType, "packet-type", "", "only packets of this type, e.g. kdeconnect.pair")
	fs.StringVar(&s.Layers, "layer", "", "comma-separated layers (channel, device, plugin)")
	fs.StringVar(&s.Directions, "direction", "", "comma-separated directions (in, out)")
	fs.StringVar(&s.Categories, "category", "", "comma-separated categories (packet, state, error)")
	fs.StringVar(&s.Since, "since", "", "only events at or after this RFC3339 time")
	fs.StringVar(&s.Until, "until", "", "only events before this RFC3339 time")
}

// Filter converts the selection into a log.Filter. All invalid values are
// reported together.
func (s Selection) Filter() (log.Filter, error) {
	f := log.Filter{
		ConnectionID: s.ConnID,
		DeviceID:     s.DeviceID,
		PacketType:   s.PacketType,
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	f.Layers, err = log.ParseLayers(s.Layers)
	collect(err)
	f.Directions, err = log.ParseDirections(s.Directions)
	collect(err)
	f.Categories, err = log.ParseCategories(s.Categories)
	collect(err)
	f.Since, err = parseTime("since", s.Since)
	collect(err)
	f.Until, err = parseTime("until", s.Until)
	collect(err)

	if len(errs) == 0 && !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		errs = append(errs, errors.New("until must be after since"))
	}
	return f, errors.Join(errs...)
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s time %q: want RFC3339", name, v)
	}
	return t, nil
}

// eachEvent opens path and calls fn for every event matching filter.
func eachEvent(path string, filter log.Filter, fn func(log.Event) error) error {
	r, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer r.Close()
	return r.Each(fn)
}
