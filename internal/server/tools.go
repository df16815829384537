package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gradepilot/gradepilot/internal/capability"
)

// ToolsHandler exposes the capability catalog and direct invocation.
type ToolsHandler struct {
	Registry *capability.Registry
}

func (h *ToolsHandler) Register(e *echo.Echo) {
	e.GET("/tools", h.list)
	e.GET("/tools/:name", h.describe)
	e.POST("/execute", h.execute)
}

func (h *ToolsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.List())
}

func (h *ToolsHandler) describe(c echo.Context) error {
	name := c.Param("name")
	desc, ok := h.Registry.Describe(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("capability %q not found", name))
	}
	return c.JSON(http.StatusOK, desc)
}

type executeRequest struct {
	Capability string                 `json:"capability"`
	Arguments  map[string]interface{} `json:"arguments"`
}

// execute invokes a capability directly, bypassing the planner. Useful for
// verifying a capability before wiring it into a rubric.
func (h *ToolsHandler) execute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Capability == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "capability is required")
	}
	if _, ok := h.Registry.Lookup(req.Capability); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("capability %q not found", req.Capability))
	}
	observation, err := h.Registry.Invoke(c.Request().Context(), req.Capability, req.Arguments)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"capability": req.Capability,
		"result":     observation,
	})
}
