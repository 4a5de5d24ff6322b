// Package api serves code generation and tuning records over HTTP.
package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/pipeline"
	"github.com/samcharles93/spikegen/internal/store"
	"github.com/samcharles93/spikegen/internal/version"
)

// Runner is the part of pipeline.Service the server uses.
type Runner interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Devices(ctx context.Context) ([]driver.DeviceProperties, int, error)
}

var _ Runner = (*pipeline.Service)(nil)

type Config struct {
	// OutDir is the root under which every run gets its own directory.
	OutDir string
	// Preferences are the defaults a request's preferences start from.
	Preferences cuda.Preferences
	// RateLimit is the number of generate requests allowed per second.
	// Zero disables the limit.
	RateLimit float64
	Log       logger.Logger
}

type Server struct {
	runner  Runner
	store   store.Store
	cfg     Config
	limiter *rate.Limiter
}

func NewServer(runner Runner, st store.Store, cfg Config) *Server {
	cfg.Log = logger.Component(cfg.Log, "api")
	s := &Server{runner: runner, store: st, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := max(int(cfg.RateLimit), 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate, s.rateLimit)

	e.GET("/v1/tunings", s.handleListTunings)
	e.GET("/v1/tunings/:id", s.handleGetTuning)
	e.DELETE("/v1/tunings/:id", s.handleDeleteTuning)

	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/version", s.handleVersion)

	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many generate requests", "rate_limited")
		}
		return next(c)
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generator not configured", "")
	}
	req, err := decodeJSON(c.Request().Body, GenerateRequest{Preferences: s.cfg.Preferences})
	if err != nil {
		return writeRunError(c, err)
	}
	if len(req.Model) == 0 {
		return writeBadRequest(c, "model is required")
	}
	m, err := model.Decode(req.Model, model.FormatJSON)
	if err != nil {
		return writeRunError(c, err)
	}

	prefs := req.Preferences
	if len(req.BlockSizes) > 0 {
		sizes, err := cuda.BlockSizesFromMap(req.BlockSizes)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		prefs.ManualBlockSizes = sizes
	}
	if err := prefs.Validate(); err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(s.cfg.OutDir) == "" {
		return writeError(c, http.StatusInternalServerError, "server_error", "output directory not configured", "")
	}

	runID := uuid.NewString()
	res, err := s.runner.Generate(c.Request().Context(), pipeline.Request{
		RunID:       runID,
		Model:       m,
		OutDir:      filepath.Join(s.cfg.OutDir, runID),
		Prefs:       prefs,
		ReuseTuning: req.ReuseTuning,
		SaveTuning:  req.SaveTuning,
	})
	if err != nil {
		s.cfg.Log.Warn("generate failed", "run", runID, "model", m.Name, "error", err)
		return writeRunError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListTunings(c *echo.Context) error {
	if s.store == nil {
		return writeNotFound(c, "tuning store not configured")
	}
	records, err := s.store.ListTunings(c.Request().Context())
	if err != nil {
		return writeRunError(c, err)
	}
	if records == nil {
		records = []store.TuningRecord{}
	}
	return c.JSON(http.StatusOK, TuningList{Object: "list", Data: records})
}

func (s *Server) handleGetTuning(c *echo.Context) error {
	id := c.Param("id")
	if id == "" || s.store == nil {
		return writeNotFound(c, "tuning not found")
	}
	rec, err := s.store.GetTuning(c.Request().Context(), id)
	if err != nil {
		return writeRunError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteTuning(c *echo.Context) error {
	id := c.Param("id")
	if id == "" || s.store == nil {
		return writeNotFound(c, "tuning not found")
	}
	if err := s.store.DeleteTuning(c.Request().Context(), id); err != nil {
		return writeRunError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteTuningResp{ID: id, Object: "tuning.deleted", Deleted: true})
}

func (s *Server) handleDevices(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "driver not configured", "")
	}
	devices, driverVersion, err := s.runner.Devices(c.Request().Context())
	if err != nil {
		return writeRunError(c, err)
	}
	return c.JSON(http.StatusOK, DeviceList{Object: "list", DriverVersion: driverVersion, Data: devices})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}
