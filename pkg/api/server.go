package api

import (
	"net/http"

	"github.com/agentcom/agentcom/pkg/auth"
	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/health"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/repos"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server is the REST and WebSocket surface of the hub.
type Server struct {
	backlog   *backlog.Backlog
	queue     *queue.Queue
	repos     *repos.Registry
	endpoints *llmreg.Registry
	hub       *hub.FSM
	monitor   *health.Monitor
	auth      *auth.Store
	store     storage.Store
	ws        http.Handler
	limiter   *rateLimiter
	logger    zerolog.Logger
}

// Deps are the wired components the server exposes. Ws may be nil when
// the WebSocket endpoint is served elsewhere.
type Deps struct {
	Backlog   *backlog.Backlog
	Queue     *queue.Queue
	Repos     *repos.Registry
	Endpoints *llmreg.Registry
	Hub       *hub.FSM
	Monitor   *health.Monitor
	Auth      *auth.Store
	Store     storage.Store
	Ws        http.Handler
	// RateLimit is requests per minute per agent; 0 disables limiting.
	RateLimit int
}

// NewServer assembles the API server.
func NewServer(d Deps) *Server {
	return &Server{
		backlog:   d.Backlog,
		queue:     d.Queue,
		repos:     d.Repos,
		endpoints: d.Endpoints,
		hub:       d.Hub,
		monitor:   d.Monitor,
		auth:      d.Auth,
		store:     d.Store,
		ws:        d.Ws,
		limiter:   newRateLimiter(d.RateLimit),
		logger:    log.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.ws != nil {
		// The WebSocket handshake authenticates inside the identify
		// message, not through the bearer middleware.
		r.GET("/ws", gin.WrapH(s.ws))
	}

	authed := r.Group("/", s.authenticate, s.rateLimit)

	authed.POST("/goals", s.submitGoal)
	authed.GET("/goals", s.listGoals)
	authed.GET("/goals/:id", s.getGoal)
	authed.DELETE("/goals/:id", s.deleteGoal)

	authed.POST("/tasks", s.submitTask)
	authed.GET("/tasks", s.listTasks)
	authed.GET("/tasks/:id", s.getTask)
	authed.POST("/tasks/:id/retry", s.retryTask)

	hubGroup := authed.Group("/api/hub")
	hubGroup.GET("/state", s.hubState)
	hubGroup.POST("/pause", s.hubPause)
	hubGroup.POST("/resume", s.hubResume)
	hubGroup.GET("/history", s.hubHistory)

	admin := authed.Group("/api/admin")
	admin.POST("/repo-registry", s.addRepo)
	admin.GET("/repo-registry", s.listRepos)
	// Repo ids are host/path slugs and span path segments, so the id is
	// bound as a wildcard; PUT carries the action as the last segment.
	admin.DELETE("/repo-registry/*id", s.removeRepo)
	admin.PUT("/repo-registry/*path", s.repoAction)

	admin.POST("/tokens", s.issueToken)
	admin.DELETE("/tokens/:token", s.revokeToken)

	admin.POST("/llm-registry", s.addEndpoint)
	admin.GET("/llm-registry", s.listEndpoints)
	admin.DELETE("/llm-registry/:id", s.removeEndpoint)

	admin.POST("/backup", s.backup)
	admin.GET("/alerts", s.listAlerts)

	return r
}
