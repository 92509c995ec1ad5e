package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nodeforge/cnagent/pkg/task"
	"github.com/nodeforge/cnagent/pkg/types"
)

// admitRequest is the body of POST /tasks?task=<kind>.
type admitRequest struct {
	Params interface{} `json:"params"`
}

func (s *Server) handleAdmit(c echo.Context) error {
	kind := c.QueryParam("task")
	if kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing task query parameter")
	}

	var req admitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := s.sup.AdmitTask(types.TaskKind(kind), req.Params, controllerIDFrom(c), traceContextFrom(c))
	if err != nil {
		switch {
		case errors.Is(err, types.ErrUnknownTask):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, types.ErrPaused):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, s.sup.SnapshotRecord(rec))
}

func (s *Server) handlePause(c echo.Context) error {
	s.sup.Queues().Pause()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResume(c echo.Context) error {
	s.sup.Queues().Resume()
	return c.NoContent(http.StatusNoContent)
}

// handleSnapshot backs both GET /history and GET /tasks: the full
// collection of recently finished records plus everything currently
// in flight. Historical records are terminal and no longer mutated;
// running records are snapshotted by the Supervisor under its record
// mutex, never served as live pointers.
func (s *Server) handleSnapshot(c echo.Context) error {
	records := s.hist.List()
	running := s.sup.RunningSnapshots()

	out := make([]types.Record, 0, len(records)+len(running))
	for _, r := range records {
		out = append(out, task.Snapshot(r))
	}
	out = append(out, running...)
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTask(c echo.Context) error {
	if rec, ok := s.sup.TaskSnapshot(c.Param("id")); ok {
		return c.JSON(http.StatusOK, rec)
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown task id")
}
