package log

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors protocol events into an slog.Logger, typically the
// console during development. Error events are logged at Warn and
// everything else at Debug, so a quiet logger only shows failures.
type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(event Event) {
	level := slog.LevelDebug
	if event.Category == CategoryError {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.LogAttrs(ctx, level, "protocol", eventAttrs(event)...)
}

func eventAttrs(ev Event) []slog.Attr {
	attrs := make([]slog.Attr, 0, 10)
	attrs = append(attrs,
		slog.String("layer", ev.Layer.String()),
		slog.String("category", ev.Category.String()),
	)
	optional := func(key, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	optional("conn_id", ev.ConnectionID)
	optional("device_id", ev.DeviceID)
	optional("remote_addr", ev.RemoteAddr)

	if p := ev.Packet; p != nil {
		attrs = append(attrs,
			slog.String("direction", ev.Direction.String()),
			slog.Int64("packet_id", p.ID),
			slog.String("packet_type", p.Type),
			slog.Int("size", p.Size),
		)
		if p.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	}
	if sc := ev.StateChange; sc != nil {
		attrs = append(attrs,
			slog.String("entity", sc.Entity.String()),
			slog.String("old_state", sc.OldState),
			slog.String("new_state", sc.NewState),
		)
		optional("reason", sc.Reason)
	}
	if e := ev.Error; e != nil {
		attrs = append(attrs,
			slog.String("error_layer", e.Layer.String()),
			slog.String("error_msg", e.Message),
		)
		optional("error_context", e.Context)
	}
	return attrs
}

var _ Logger = (*SlogAdapter)(nil)
