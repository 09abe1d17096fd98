package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hbbalancer/hbbalancer/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.Version,
	})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": util.Version,
		"name":    util.AppName,
	})
}

// handleGetInfo returns basic host and listener information.
func (s *Server) handleGetInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	worlds := 0
	if s.deps.Catalog != nil {
		worlds = len(s.deps.Catalog.Worlds())
	}

	c.JSON(http.StatusOK, gin.H{
		"listen_address":  s.cfg.Balancer.ListenAddr(),
		"worlds":          worlds,
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}
