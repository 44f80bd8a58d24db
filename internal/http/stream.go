package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/events"
)

const (
	streamBuffer    = 64
	streamKeepAlive = 15 * time.Second
)

// handleRunEvents streams a run's events as server-sent events. The first
// frame is a "status" snapshot of the run; the stream ends after a terminal
// run event or when the client goes away.
func (s *Server) handleRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	// Subscribe before reading the snapshot so no event falls in between.
	ch, cancel := s.deps.Events.Subscribe(streamBuffer, events.ForRun(runID))
	defer cancel()

	run, err := s.deps.Runs.GetRunStatus(ctx, runID)
	if err != nil {
		return s.httpError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, "status", run); err != nil {
		return nil
	}
	if run.Status.IsTerminal() {
		return nil
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeFrame(w, string(e.Kind), e); err != nil {
				s.logger.Debug("event stream closed", zap.String("run_id", runID), zap.Error(err))
				return nil
			}
			if e.Kind.Terminal() {
				return nil
			}
		}
	}
}

func writeFrame(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
