package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gradepilot/gradepilot/config"
	"github.com/gradepilot/gradepilot/internal/agent/core"
	"github.com/gradepilot/gradepilot/internal/grading"
)

// GradeHandler exposes the concurrent rubric-grading entry point.
type GradeHandler struct {
	Config     *config.Config
	Dispatcher *core.Dispatcher
}

func (h *GradeHandler) Register(e *echo.Echo) {
	e.POST("/grade", h.grade)
}

type gradeOptions struct {
	MaxIterations  int `json:"max_iterations,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type gradeRequest struct {
	Rubric      json.RawMessage `json:"rubric"`
	Submission  string          `json:"submission"`
	SelectedIDs []string        `json:"selected_ids,omitempty"`
	Options     gradeOptions    `json:"options,omitempty"`
}

func (h *GradeHandler) grade(c echo.Context) error {
	var req gradeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Rubric) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rubric is required")
	}
	if req.Submission == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "submission is required")
	}

	doc, err := grading.Parse(req.Rubric)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items := grading.CoreItems(doc.Select(req.SelectedIDs))
	if len(items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no rubric items selected")
	}

	opts := core.DispatchOptions{
		MaxIterations: h.Config.Grading.MaxIterations,
		Timeout:       h.Config.Grading.TimeoutPerItem,
	}
	if req.Options.MaxIterations > 0 {
		opts.MaxIterations = req.Options.MaxIterations
	}
	if req.Options.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.Options.TimeoutSeconds) * time.Second
	}

	report := h.Dispatcher.Dispatch(c.Request().Context(), items, req.Submission, opts)
	return c.JSON(http.StatusOK, report)
}
