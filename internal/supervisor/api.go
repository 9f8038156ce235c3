package supervisor

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/betbot/edgebot/internal/controlstate"
)

// Router returns the control API consumed by the dashboard and botctl.
func (s *Supervisor) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/workers", s.handleWorkersList)
	api.POST("/workers/:name/start", s.handleWorkerStart)
	api.POST("/workers/:name/stop", s.handleWorkerStop)
	api.GET("/workers/:name/history", s.handleWorkerHistory)
	api.GET("/control", s.handleControlGet)
	api.PUT("/control/:name", s.handleControlPut)
	return r
}

func (s *Supervisor) handleWorkersList(c *gin.Context) {
	c.JSON(http.StatusOK, s.Statuses())
}

func (s *Supervisor) handleWorkerStart(c *gin.Context) {
	st, err := s.StartWorker(c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Supervisor) handleWorkerStop(c *gin.Context) {
	st, err := s.StopWorker(c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Supervisor) handleWorkerHistory(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.workerByName(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownWorker.Error()})
		return
	}
	if s.deps.History == nil {
		c.JSON(http.StatusOK, []Run{})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 20
	}
	runs, err := s.deps.History.Recent(c.Request.Context(), name, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Supervisor) handleControlGet(c *gin.Context) {
	if s.deps.Control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control state not configured"})
		return
	}
	doc, err := s.deps.Control.Snapshot()
	if err != nil {
		// 文档损坏时 Snapshot 仍返回安全默认，附带告警
		c.JSON(http.StatusOK, gin.H{"control": doc, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"control": doc})
}

// controlUpdate is the PUT /api/control/:name body. Pointer fields so a
// partial update leaves the other flag alone.
type controlUpdate struct {
	Enabled *bool   `json:"enabled"`
	Mode    *string `json:"mode"`
}

func (s *Supervisor) handleControlPut(c *gin.Context) {
	if s.deps.Control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control state not configured"})
		return
	}
	name := c.Param("name")
	if _, ok := s.cfg.Strategy(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy"})
		return
	}

	var req controlUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Enabled == nil && req.Mode == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	var mode controlstate.Mode
	if req.Mode != nil {
		mode = controlstate.Mode(strings.ToUpper(strings.TrimSpace(*req.Mode)))
		if mode != controlstate.ModeLive && mode != controlstate.ModeDryRun {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be LIVE or DRY_RUN"})
			return
		}
	}

	err := s.deps.Control.Set(name, func(ctl *controlstate.StrategyControl) {
		if req.Enabled != nil {
			ctl.Enabled = *req.Enabled
		}
		if req.Mode != nil {
			ctl.Mode = mode
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctl, err := s.deps.Control.Get(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctl)
}

func (s *Supervisor) workerByName(name string) (*worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	return w, ok
}
