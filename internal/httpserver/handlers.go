package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observation"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Code     int    `json:"code"`
}

// StatusResponse reports the local queue
type StatusResponse struct {
	observation.Stats
	Syncing bool   `json:"syncing"`
	Engine  string `json:"engine,omitempty"`
	Uptime  string `json:"uptime"`
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	stats, err := s.obs.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Stats:   stats,
		Syncing: s.queue.Running(),
		Engine:  s.engine,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) listObservations(c echo.Context) error {
	var states []model.RecordState
	for _, raw := range c.QueryParams()["state"] {
		state := model.RecordState(raw)
		if !validState(state) {
			return errors.ValidationError("unknown record state " + raw)
		}
		states = append(states, state)
	}

	records, err := s.obs.List(c.Request().Context(), states...)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*model.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func validState(state model.RecordState) bool {
	for _, s := range model.AllStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s *Server) getObservation(c echo.Context) error {
	r, err := s.obs.Get(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) retryObservation(c echo.Context) error {
	r, err := s.obs.Retry(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// triggerSync is called when connectivity returns; the pass itself runs on
// the queue runner.
func (s *Server) triggerSync(c echo.Context) error {
	s.queue.Trigger()
	return c.JSON(http.StatusAccepted, map[string]bool{"triggered": true})
}

// statusFor maps error categories onto HTTP status codes
func statusFor(category errors.ErrorCategory) int {
	switch category {
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryState, errors.CategoryConsistency:
		return http.StatusConflict
	case errors.CategoryLimit:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp.Code = he.Code
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		}
	} else {
		category := errors.CategoryOf(err)
		resp.Category = string(category)
		resp.Code = statusFor(category)
	}

	if resp.Code >= http.StatusInternalServerError {
		s.log.Error("API request failed",
			logger.String("method", c.Request().Method),
			logger.String("path", c.Path()),
			logger.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(resp.Code)
	} else {
		err = c.JSON(resp.Code, resp)
	}
	if err != nil {
		s.log.Warn("Failed to write error response", logger.Error(err))
	}
}
