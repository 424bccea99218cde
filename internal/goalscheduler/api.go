package goalscheduler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/httpmw"
)

// Server exposes the Goal Scheduler's admin HTTP surface per §6.1.
type Server struct {
	sched *Scheduler
	token string
}

// NewServer wires gin routes against sched, protected by the given
// bearer token.
func NewServer(sched *Scheduler, token string) *Server {
	return &Server{sched: sched, token: token}
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
		auth.GET("/goals", s.listGoals)
		auth.GET("/goals/:id", s.getGoal)
		auth.POST("/goals/run", s.runGoal)
		auth.POST("/goals/reload", s.reloadGoals)
		// :id here is an instance id, not a goal id; instance ids embed
		// their goal id so operators can still tell them apart.
		auth.POST("/goals/:id/pause", s.pauseInstance)
		auth.POST("/goals/:id/resume", s.resumeInstance)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "goalscheduler"})
}

func (s *Server) listGoals(c *gin.Context) {
	goals := s.sched.Goals()
	c.JSON(http.StatusOK, gin.H{"goals": goals, "total": len(goals)})
}

func (s *Server) getGoal(c *gin.Context) {
	id := c.Param("id")
	g, ok := s.sched.getGoal(id)
	if !ok {
		err := apperrors.NotFound("goal " + id)
		c.JSON(err.StatusCode, err.ToResponse())
		return
	}
	instances, err := s.sched.InstancesForGoal(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	if len(instances) > 10 {
		instances = instances[:10]
	}
	resp := gin.H{"config": g, "instances": instances}
	if g.Schedule != "" {
		if sched, err := ParseSchedule(g.Schedule); err == nil {
			resp["next_run"] = sched.Next(time.Now().UTC())
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runGoal(c *gin.Context) {
	var req struct {
		GoalID string                 `json:"goal_id"`
		Params map[string]interface{} `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.GoalID == "" {
		verr := apperrors.Validation("goal_id is required")
		c.JSON(verr.StatusCode, verr.ToResponse())
		return
	}
	inst, err := s.sched.RunNow(c.Request.Context(), req.GoalID, req.Params)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": inst.ID})
}

func (s *Server) reloadGoals(c *gin.Context) {
	if err := s.sched.Reload(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": len(s.sched.Goals())})
}

func (s *Server) pauseInstance(c *gin.Context) {
	if err := s.sched.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeInstance(c *gin.Context) {
	if err := s.sched.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func writeErr(c *gin.Context, err error) {
	if ae, ok := err.(*apperrors.AppError); ok {
		c.JSON(ae.StatusCode, ae.ToResponse())
		return
	}
	verr := apperrors.Internal(err.Error())
	c.JSON(verr.StatusCode, verr.ToResponse())
}
