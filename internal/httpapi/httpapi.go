// Package httpapi is the control-plane and streaming HTTP surface: starting
// and stopping per-championship ingest services, reporting their status, and
// fanning out live telemetry frames over a chunked HTTP response.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/firewall"
	"github.com/paddockstream/telemetry/internal/ingest"
	"github.com/paddockstream/telemetry/internal/ports"
	"github.com/paddockstream/telemetry/internal/registry"
)

// Version is the running build's version string, reported by /api/version.
// cmd/telemetryd overwrites it at startup with its own build version.
var Version = "0.1.0-dev"

// ChampionshipChecker reports whether a championship id is known to the
// host. Implemented by internal/store.Store.
type ChampionshipChecker interface {
	ChampionshipExists(ctx context.Context, championshipID int32) (bool, error)
}

// Server wraps an Echo instance exposing the registry's control plane.
type Server struct {
	reg     *registry.Registry
	sink    ingest.ClassificationSink
	checker ChampionshipChecker
	cfg     ingest.Config
	log     *zap.Logger
	echo    *echo.Echo
}

// New constructs a Server and registers every route.
func New(reg *registry.Registry, sink ingest.ClassificationSink, checker ChampionshipChecker, cfg ingest.Config, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("http request", zap.String("method", v.Method), zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{reg: reg, sink: sink, checker: checker, cfg: cfg, log: log, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/version", s.handleVersion)

	s.echo.POST("/championships/:id/service/start", s.handleServiceStart)
	s.echo.GET("/championships/:id/service/status", s.handleServiceStatus)
	s.echo.GET("/championships/:id/service/stop", s.handleServiceStop)
	s.echo.GET("/stream/championship/:id", s.handleStream)
}

// Run starts the HTTP server on addr and blocks until ctx is canceled, then
// shuts down gracefully. When both tlsCert and tlsKey are non-empty it
// serves HTTPS with that certificate; otherwise it serves plain HTTP.
func (s *Server) Run(ctx context.Context, addr, tlsCert, tlsKey string) {
	go func() {
		var err error
		if tlsCert != "" && tlsKey != "" {
			err = s.echo.StartTLS(addr, tlsCert, tlsKey)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Error("http shutdown", zap.Error(err))
	}
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}

func parseChampionshipID(c echo.Context) (int32, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid championship id")
	}
	return int32(id), nil
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok"})
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: Version})
}

type startRequest struct {
	Port int `json:"port"`
}

type startResponse struct {
	Port int `json:"port"`
}

func (s *Server) handleServiceStart(c echo.Context) error {
	championshipID, err := parseChampionshipID(c)
	if err != nil {
		return err
	}

	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if s.checker != nil {
		exists, err := s.checker.ChampionshipExists(c.Request().Context(), championshipID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !exists {
			return echo.NewHTTPError(http.StatusNotFound, "championship not found")
		}
	}

	port, err := s.reg.Start(c.Request().Context(), championshipID, s.sink, req.Port)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, startResponse{Port: port})
	case errors.Is(err, registry.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type statusResponse struct {
	Active      bool `json:"active"`
	Connections int  `json:"connections"`
}

func (s *Server) handleServiceStatus(c echo.Context) error {
	championshipID, err := parseChampionshipID(c)
	if err != nil {
		return err
	}
	status := s.reg.Status(championshipID)
	return c.JSON(http.StatusOK, statusResponse{Active: status.Active, Connections: status.Connections})
}

func (s *Server) handleServiceStop(c echo.Context) error {
	championshipID, err := parseChampionshipID(c)
	if err != nil {
		return err
	}
	if err := s.reg.Stop(c.Request().Context(), championshipID); err != nil {
		// ErrNotActive included: stopping a championship with no running
		// service is answered with 500.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// handleStream fans out live frames for championshipID over a chunked
// response: a snapshot frame first (so a new subscriber sees current state
// immediately), then every subsequently published frame, flushed as it
// arrives. The handler returns when the service stops or the client
// disconnects.
func (s *Server) handleStream(c echo.Context) error {
	championshipID, err := parseChampionshipID(c)
	if err != nil {
		return err
	}

	sub := s.reg.Subscribe(championshipID)
	if sub == nil {
		return echo.NewHTTPError(http.StatusNotFound, registry.ErrNotActive.Error())
	}
	defer sub.Unsubscribe()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/octet-stream")
	resp.WriteHeader(http.StatusOK)

	flusher, canFlush := resp.Writer.(interface{ Flush() })

	writeFrame := func(frame []byte) error {
		if len(frame) == 0 {
			return nil
		}
		if _, err := resp.Write(frame); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	if snap, err := s.reg.Snapshot(championshipID); err == nil {
		if err := writeFrame(snap); err != nil {
			return nil
		}
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.Frames:
			if !ok {
				return nil
			}
			if err := writeFrame(frame); err != nil {
				return nil
			}
		}
	}
}

