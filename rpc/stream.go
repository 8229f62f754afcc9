package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/logging"
)

// StreamEvents streams notifications as server-sent events.
// With ?after=N the logged notifications following N are replayed first;
// without it only notifications published after subscribing are sent.
func (r *Server) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	var after uint64
	if err := echo.QueryParamsBinder(c).Uint64("after", &after).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Subscribe before replaying so nothing committed in between is missed.
	live, unsubscribe := r.s.Subscribe()
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	last := after
	if c.QueryParam("after") != "" {
		for {
			evs, err := r.s.Events(last, events.DefaultLimit)
			if err != nil {
				logging.FromContext(ctx).Warn("failed to replay events", zap.Error(err))
				return nil
			}
			for _, ev := range evs {
				if err := writeEvent(w, ev); err != nil {
					return nil
				}
				last = ev.Seq
			}
			if len(evs) < events.DefaultLimit {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.Seq <= last {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				logging.FromContext(ctx).Debug("subscriber gone", zap.Error(err))
				return nil
			}
			last = ev.Seq
		}
	}
}

func writeEvent(w *echo.Response, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
