// Package api contains the HTTP handlers for the generation workflow engine
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"courseforge/backend/internal/executor"
	"courseforge/backend/internal/pipeline"
	"courseforge/backend/internal/repository"
	"courseforge/backend/pkg/models"
)

// RunIDHeader carries the run identifier on trigger responses so clients can
// reconnect to the stream after a disconnect.
const RunIDHeader = "X-Workflow-Run-Id"

// heartbeatInterval paces SSE comment frames that keep idle proxies from
// buffering or closing the stream.
const heartbeatInterval = 15 * time.Second

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server holds the dependencies for the workflow API.
type Server struct {
	store    repository.RunStore
	registry *pipeline.Registry
	executor *executor.Executor
	logger   Logger
}

// NewServer creates a new Server.
func NewServer(store repository.RunStore, registry *pipeline.Registry, exec *executor.Executor, logger Logger) *Server {
	return &Server{store: store, registry: registry, executor: exec, logger: logger}
}

// Register mounts the workflow routes on the given group.
func (s *Server) Register(g *echo.Group) {
	g.POST("/workflows/:kind/trigger", s.TriggerWorkflow)
	g.GET("/workflows/:kind/:runId", s.StreamWorkflow)
}

// TriggerWorkflow creates and starts a new workflow run
// (POST /workflows/:kind/trigger)
//
// The response doubles as the first stream connection: the run id is
// returned in the X-Workflow-Run-Id header and the body is the event stream
// from index 0. The run itself executes detached from this request and
// keeps going if the client drops the connection.
func (s *Server) TriggerWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.WorkflowKind(c.Param("kind"))
	def, err := s.registry.Get(kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown workflow kind: "+string(kind))
	}

	body := map[string]any{}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	targetEntityID, ok := body["targetEntityId"].(string)
	if !ok || targetEntityID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing or invalid field: targetEntityId")
	}
	for _, field := range def.Required {
		if !fieldPresent(body, field) {
			return echo.NewHTTPError(http.StatusBadRequest, "missing or invalid field: "+field)
		}
	}

	run, err := s.store.CreateRun(ctx, kind, targetEntityID)
	if err != nil {
		var dup *repository.DuplicateRunError
		if errors.As(err, &dup) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":         "generation already in progress for this entity",
				"existingRunId": dup.ExistingRunID.String(),
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create run: "+err.Error())
	}

	s.logger.Info("workflow run triggered", "run_id", run.ID, "kind", kind, "entity", targetEntityID)
	s.executor.Start(run, body)

	c.Response().Header().Set(RunIDHeader, run.ID.String())
	return s.streamRun(c, run.ID, 0)
}

// StreamWorkflow replays a run's event log from startIndex and then follows
// the live tail until the run is terminal or the client disconnects
// (GET /workflows/:kind/:runId?startIndex=n)
func (s *Server) StreamWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return runNotFound(c)
	}

	startIndex := 0
	if raw := c.QueryParam("startIndex"); raw != "" {
		startIndex, err = strconv.Atoi(raw)
		if err != nil || startIndex < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "missing or invalid field: startIndex")
		}
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return runNotFound(c)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// A run id under the wrong kind prefix is treated as unknown.
	if run.Kind != models.WorkflowKind(c.Param("kind")) {
		return runNotFound(c)
	}

	return s.streamRun(c, runID, startIndex)
}

func runNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "Run not found"})
}

func fieldPresent(body map[string]any, field string) bool {
	v, ok := body[field]
	if !ok || v == nil {
		return false
	}
	if str, isStr := v.(string); isStr && str == "" {
		return false
	}
	return true
}

// streamRun is the shared streaming core for trigger and resume requests.
//
// The live subscription is established before the durable replay so the
// replay-to-live handoff cannot lose an index; live events already covered
// by the replay are skipped by index. The stream closes after forwarding a
// terminal event, or immediately if the replay already ended on one.
func (s *Server) streamRun(c echo.Context, runID uuid.UUID, startIndex int) error {
	ctx := c.Request().Context()

	sub, err := s.store.Subscribe(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return runNotFound(c)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer func() { sub.Close() }()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	next := startIndex
	for {
		// Replay everything durable from the cursor. On reconnect after a
		// lagged subscription this also fills whatever the broker dropped.
		events, err := s.store.ReadEventsFrom(ctx, runID, next)
		if err != nil {
			// Headers are committed; nothing useful can be sent anymore.
			s.logger.Error("event replay failed", "run_id", runID, "error", err)
			return nil
		}
		for _, ev := range events {
			if err := writeFrame(resp, ev); err != nil {
				return nil
			}
			next = ev.Index + 1
			if ev.Terminal() {
				return nil
			}
		}

		lagged, done := s.followLive(ctx, resp, heartbeat, sub, &next)
		if done || !lagged {
			return nil
		}

		// The broker cut us loose for falling behind; re-attach and let
		// the next replay iteration close the gap.
		sub.Close()
		sub, err = s.store.Subscribe(ctx, runID)
		if err != nil {
			return nil
		}
	}
}

// followLive forwards live events until the run is terminal, the client
// disconnects, or the subscription is dropped. It reports whether the
// subscription lagged (caller should re-replay and re-subscribe) and whether
// the stream is finished.
func (s *Server) followLive(ctx context.Context, resp *echo.Response, heartbeat *time.Ticker, sub *repository.Subscription, next *int) (lagged, done bool) {
	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-heartbeat.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return false, true
			}
			resp.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					return true, false
				}
				return false, true
			}
			if ev.Index < *next {
				continue
			}
			if err := writeFrame(resp, ev); err != nil {
				return false, true
			}
			*next = ev.Index + 1
			if ev.Terminal() {
				return false, true
			}
		}
	}
}

// writeFrame serializes one event as a self-contained SSE frame. The SSE id
// field carries the event index, which doubles as the resume cursor for
// reconnecting clients.
func writeFrame(resp *echo.Response, ev models.StepEvent) error {
	blob, err := json.Marshal(models.NewFrame(ev))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "id: %d\ndata: %s\n\n", ev.Index, blob); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
