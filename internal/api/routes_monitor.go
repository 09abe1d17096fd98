package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	redacted            = "********"
)

type worldView struct {
	Name     string                 `json:"name"`
	Backends []directory.Descriptor `json:"backends"`
}

// handleGetWorlds lists the world table.
func (s *Server) handleGetWorlds(c *gin.Context) {
	names := s.deps.Catalog.Worlds()
	worlds := make([]worldView, 0, len(names))
	for _, name := range names {
		worlds = append(worlds, worldView{Name: name, Backends: s.deps.Catalog.Descriptors(name)})
	}
	c.JSON(http.StatusOK, gin.H{
		"worlds": worlds,
		"total":  len(worlds),
	})
}

// handleResolveWorld runs one directory lookup, the same one a session does.
func (s *Server) handleResolveWorld(c *gin.Context) {
	world := c.Param("world")
	d, err := s.deps.Catalog.Resolve(world)
	if err != nil {
		if errors.Is(err, directory.ErrWorldNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"world": world, "backend": d})
}

func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.deps.Sessions.Sessions().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sessions.Stats())
}

func (s *Server) handleGetBackendHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": s.deps.Health.Status()})
}

// handleProbeWorld probes every backend of a world immediately.
func (s *Server) handleProbeWorld(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks disabled"})
		return
	}
	world := c.Param("world")
	if len(s.deps.Catalog.Descriptors(world)) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "world not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": s.deps.Health.ProbeWorld(c.Request.Context(), world)})
}

// handleGetHandshakes returns the newest audit records and per-outcome totals.
func (s *Server) handleGetHandshakes(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log disabled"})
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.deps.History.CountByOutcome(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"handshakes": records,
		"outcomes":   counts,
	})
}

func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cpu_percent": usage})
}

func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

func (s *Server) handleGetProcessUsage(c *gin.Context) {
	usage, err := util.GetProcessUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := *s.cfg
	if cfg.ApplicationData.Security.JWTSecret != "" {
		cfg.ApplicationData.Security.JWTSecret = redacted
	}
	if cfg.ApplicationData.MQTT.KeyFile != "" {
		cfg.ApplicationData.MQTT.KeyFile = redacted
	}
	if cfg.ApplicationData.Security.TLSKeyFile != "" {
		cfg.ApplicationData.Security.TLSKeyFile = redacted
	}
	c.JSON(http.StatusOK, cfg)
}
