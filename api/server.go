// Package api is the control surface consumed by the console and other
// collaborators: a small REST interface over the bridge's status,
// metrics, source and target lifecycle operations.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"otbridge.evalgo.org/bridge"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/version"
	"otbridge.evalgo.org/zerobus"
)

// ServerConfig tunes the control surface listener.
type ServerConfig struct {
	Listen          string
	Debug           bool
	RateLimit       float64
	ShutdownTimeout time.Duration
}

// Server hosts the REST control surface.
type Server struct {
	echo   *echo.Echo
	bridge *bridge.Bridge
	cfg    ServerConfig
}

// New builds the echo server with the standard middleware stack and the
// control routes mounted under /api/v1.
func New(cfg ServerConfig, b *bridge.Bridge) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	s := &Server{echo: e, bridge: b, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.echo.Group("/api/v1")

	g.GET("/health", s.health)
	g.GET("/status", s.status)
	g.GET("/metrics", s.metrics)
	g.GET("/diagnostics/pipeline", s.pipelineDiagnostics)

	g.GET("/sources", s.listSources)
	g.POST("/sources", s.addSource)
	g.PUT("/sources/:name", s.updateSource)
	g.DELETE("/sources/:name", s.deleteSource)
	g.POST("/sources/:name/start", s.startSource)
	g.POST("/sources/:name/stop", s.stopSource)

	g.GET("/target", s.getTarget)
	g.PUT("/target", s.saveTarget)
	g.POST("/sink/start", s.startSink)
	g.POST("/sink/stop", s.stopSink)
	g.GET("/sink/diagnostics", s.sinkDiagnostics)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	err := s.echo.Start(s.cfg.Listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// --- handlers ---------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrDuplicateSource):
		return http.StatusConflict
	case errors.Is(err, credentials.ErrStoreLocked):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrNoTarget):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "otbridge",
		"version": version.GetBridgeVersion(),
	})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.Status())
}

func (s *Server) metrics(c echo.Context) error {
	snapshot, err := s.bridge.Metrics()
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) pipelineDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.PipelineDiagnostics())
}

func (s *Server) listSources(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.Sources())
}

func (s *Server) addSource(c echo.Context) error {
	var src config.SourceConfig
	if err := c.Bind(&src); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if err := s.bridge.AddSource(src); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(http.StatusCreated, src)
}

func (s *Server) updateSource(c echo.Context) error {
	var src config.SourceConfig
	if err := c.Bind(&src); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if err := s.bridge.UpdateSource(c.Param("name"), src); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, src)
}

func (s *Server) deleteSource(c echo.Context) error {
	if err := s.bridge.DeleteSource(c.Param("name")); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startSource(c echo.Context) error {
	if err := s.bridge.StartSource(c.Param("name")); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopSource(c echo.Context) error {
	if err := s.bridge.StopSource(c.Param("name")); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

// targetPayload is the wire form of the default target. ClientSecret
// carries the secret value inbound only; outbound it is the sentinel when
// a secret is stored and empty otherwise.
type targetPayload struct {
	zerobus.Target
	ClientSecret string `json:"client_secret,omitempty"`
}

func (s *Server) getTarget(c echo.Context) error {
	target, hasSecret := s.bridge.TargetConfig()
	payload := targetPayload{Target: target}
	if hasSecret {
		payload.ClientSecret = bridge.SecretSentinel
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) saveTarget(c echo.Context) error {
	var payload targetPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if err := s.bridge.SaveTarget(payload.Target, payload.ClientSecret); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startSink(c echo.Context) error {
	if err := s.bridge.StartSink(); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopSink(c echo.Context) error {
	s.bridge.StopSink()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sinkDiagnostics(c echo.Context) error {
	deep := c.QueryParam("deep") == "true"
	statuses, err := s.bridge.SinkDiagnostics(c.Request().Context(), deep)
	response := map[string]interface{}{
		"sinks": statuses,
		"probe": "skipped",
	}
	if deep {
		if err != nil {
			response["probe"] = "failed: " + err.Error()
		} else {
			response["probe"] = "ok"
		}
	}
	return c.JSON(http.StatusOK, response)
}
