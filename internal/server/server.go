package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gradepilot/gradepilot/config"
	"github.com/gradepilot/gradepilot/internal/agent/core"
	"github.com/gradepilot/gradepilot/internal/agent/telemetry"
	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/internal/grading"
	"github.com/gradepilot/gradepilot/provider"
)

// Run wires the capability registry, LLM provider, telemetry, and dispatcher,
// then serves the grading API. Capability registration happens here, once,
// before any request can trigger a dispatch.
func Run(cfg *config.Config) error {
	registry := capability.NewRegistry()
	if err := grading.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}
	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create LLM provider: %w", err)
	}
	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.NewTelemetry(cfg.Telemetry)
	}

	e := newRouter(cfg, registry, llm, tele)
	log.New(log.Writer(), "[HTTP] ", log.LstdFlags).Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

// newRouter builds the echo instance with middleware, handlers, and routes.
// Telemetry is optional: a nil tele leaves /metrics unregistered and turns
// metric recording into no-ops.
func newRouter(cfg *config.Config, registry *capability.Registry, llm provider.Provider, tele *telemetry.Telemetry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	dispatcher := core.NewDispatcher(registry, llm, tele, log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"service": "gradepilot",
			"endpoints": map[string]string{
				"tools":   "/tools",
				"run":     "/run",
				"execute": "/execute",
				"grade":   "/grade",
			},
		})
	})
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if tele != nil {
		e.GET("/metrics", echo.WrapHandler(tele.Handler()))
	}

	tools := &ToolsHandler{Registry: registry}
	tools.Register(e)

	runs := &RunsHandler{Config: cfg, Registry: registry, LLM: llm, Telemetry: tele}
	runs.Register(e)

	grade := &GradeHandler{Config: cfg, Dispatcher: dispatcher}
	grade.Register(e)

	return e
}
