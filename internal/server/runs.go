package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gradepilot/gradepilot/config"
	"github.com/gradepilot/gradepilot/internal/agent/core"
	"github.com/gradepilot/gradepilot/internal/agent/telemetry"
	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/internal/recovery"
	"github.com/gradepilot/gradepilot/provider"
)

// RunsHandler exposes ad hoc single-task agent runs.
type RunsHandler struct {
	Config    *config.Config
	Registry  *capability.Registry
	LLM       provider.Provider
	Telemetry *telemetry.Telemetry
}

func (h *RunsHandler) Register(e *echo.Echo) {
	e.POST("/run", h.run)
}

type runRequest struct {
	Task          string                 `json:"task"`
	Context       map[string]interface{} `json:"context,omitempty"`
	MaxIterations int                    `json:"max_iterations,omitempty"`
}

type runResponse struct {
	Result map[string]interface{} `json:"result"`
	Log    string                 `json:"log"`
	Steps  []core.Step            `json:"steps"`
}

func (h *RunsHandler) run(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = h.Config.Agents.MaxIterations
	}

	loop := core.NewLoop(h.Registry, h.LLM, h.Telemetry, log.New(log.Writer(), "[LOOP] ", log.LstdFlags), maxIterations)
	result, err := loop.Run(c.Request().Context(), req.Task, req.Context)
	if err != nil {
		// Recovery failures carry a correlation id for support diagnosis;
		// its Error string includes the log_id tying it to the logged raw output.
		var rerr *recovery.Error
		if errors.As(err, &rerr) {
			return echo.NewHTTPError(http.StatusBadGateway, rerr.Error())
		}
		if errors.Is(err, core.ErrNoCapabilities) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, runResponse{
		Result: result.ReturnValues,
		Log:    result.Log,
		Steps:  result.Steps,
	})
}
