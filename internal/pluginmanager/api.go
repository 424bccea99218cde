package pluginmanager

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/httpmw"
)

// Server exposes the Plugin Manager's admin HTTP surface per §6.1.
type Server struct {
	mgr   *Manager
	token string
}

// NewServer wires gin routes against mgr, protected by the given bearer token.
func NewServer(mgr *Manager, token string) *Server {
	return &Server{mgr: mgr, token: token}
}

// Router builds the gin engine. The caller runs it via http.Server for
// graceful shutdown control.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpmw.RequestID())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/")
	auth.Use(httpmw.RequireBearerToken(s.token))
	{
		auth.GET("/plugins", s.listPlugins)
		auth.GET("/plugins/:name", s.getPlugin)
		auth.POST("/plugins/:name/execute", s.executePlugin)
		auth.POST("/plugins/:name/reset", s.resetPlugin)
		auth.POST("/plugins/:name/pause", s.pausePlugin)
		auth.POST("/containers/cleanup", s.cleanupContainers)
		auth.GET("/containers/stats", s.containerStats)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "pluginmanager"})
}

func (s *Server) listPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.mgr.List()})
}

func (s *Server) getPlugin(c *gin.Context) {
	name := c.Param("name")
	cfg, h, ok := s.mgr.Get(name)
	if !ok {
		err := apperrors.NotFound("plugin " + name)
		c.JSON(err.StatusCode, err.ToResponse())
		return
	}
	if len(h.FailureReasons) > 5 {
		h.FailureReasons = h.FailureReasons[len(h.FailureReasons)-5:]
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "health": h})
}

func (s *Server) executePlugin(c *gin.Context) {
	name := c.Param("name")
	var req struct {
		Plugin    string                 `json:"plugin"`
		EventData map[string]interface{} `json:"event_data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		verr := apperrors.Validation(err.Error())
		c.JSON(verr.StatusCode, verr.ToResponse())
		return
	}
	result, err := s.mgr.TriggerManually(c.Request.Context(), name, req.EventData)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) resetPlugin(c *gin.Context) {
	if err := s.mgr.Reset(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) pausePlugin(c *gin.Context) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Minutes <= 0 {
		verr := apperrors.Validation("minutes must be a positive integer")
		c.JSON(verr.StatusCode, verr.ToResponse())
		return
	}
	if err := s.mgr.Pause(c.Request.Context(), c.Param("name"), time.Duration(req.Minutes)*time.Minute); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused", "minutes": req.Minutes})
}

func (s *Server) cleanupContainers(c *gin.Context) {
	var req struct {
		Force bool `json:"force"`
	}
	_ = c.ShouldBindJSON(&req)
	n, err := s.mgr.CleanupContainers(c.Request.Context(), req.Force)
	if err != nil {
		verr := apperrors.Sandbox(err.Error())
		c.JSON(verr.StatusCode, verr.ToResponse())
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) containerStats(c *gin.Context) {
	stats, err := s.mgr.ContainerStats(c.Request.Context())
	if err != nil {
		verr := apperrors.Sandbox(err.Error())
		c.JSON(verr.StatusCode, verr.ToResponse())
		return
	}
	c.JSON(http.StatusOK, stats)
}

func writeErr(c *gin.Context, err error) {
	if ae, ok := err.(*apperrors.AppError); ok {
		c.JSON(ae.StatusCode, ae.ToResponse())
		return
	}
	verr := apperrors.Internal(err.Error())
	c.JSON(verr.StatusCode, verr.ToResponse())
}
