package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/repos"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/gin-gonic/gin"
)

func (s *Server) healthz(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.hub != nil {
		resp["hub_state"] = s.hub.State()
	}
	c.JSON(http.StatusOK, resp)
}

// ---- goals ----

type submitGoalRequest struct {
	Title           string            `json:"title"`
	Description     string            `json:"description" binding:"required"`
	SuccessCriteria []string          `json:"success_criteria"`
	Priority        types.Priority    `json:"priority"`
	Repo            string            `json:"repo"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) submitGoal(c *gin.Context) {
	var req submitGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	goal, err := s.backlog.Submit(backlog.SubmitParams{
		Title:           req.Title,
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
		Source:          types.GoalSourceAPI,
		Repo:            req.Repo,
		Metadata:        req.Metadata,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backlog.ErrValidation) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, goal)
}

func (s *Server) listGoals(c *gin.Context) {
	goals, err := s.backlog.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

func (s *Server) getGoal(c *gin.Context) {
	goal, err := s.backlog.Get(c.Param("id"))
	if err != nil {
		c.JSON(notFoundOr500(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, goal)
}

func (s *Server) deleteGoal(c *gin.Context) {
	if err := s.backlog.Delete(c.Param("id")); err != nil {
		c.JSON(notFoundOr500(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- tasks ----

type submitTaskRequest struct {
	Description       string                   `json:"description" binding:"required"`
	Repo              string                   `json:"repo"`
	Branch            string                   `json:"branch"`
	DependsOn         []string                 `json:"depends_on"`
	FileHints         []types.FileHint         `json:"file_hints"`
	SuccessCriteria   []string                 `json:"success_criteria"`
	VerificationSteps []types.VerificationStep `json:"verification_steps"`
	Priority          types.Priority           `json:"priority"`
	ComplexityTier    types.ComplexityTier     `json:"complexity_tier"`
	MaxRetries        int                      `json:"max_retries"`
	RequiredCaps      []string                 `json:"required_caps"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, warnings, err := s.queue.Submit(queue.SubmitParams{
		Description:       req.Description,
		Repo:              req.Repo,
		Branch:            req.Branch,
		DependsOn:         req.DependsOn,
		FileHints:         req.FileHints,
		SuccessCriteria:   req.SuccessCriteria,
		VerificationSteps: req.VerificationSteps,
		Priority:          req.Priority,
		ComplexityTier:    req.ComplexityTier,
		MaxRetries:        req.MaxRetries,
		RequiredCaps:      req.RequiredCaps,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrValidation) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"task": task}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listTasks(c *gin.Context) {
	filter := queue.Filter{
		Status:  types.TaskStatus(c.Query("status")),
		GoalID:  c.Query("goal_id"),
		AgentID: c.Query("agent_id"),
	}
	tasks, err := s.queue.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.queue.Get(c.Param("id"))
	if err != nil {
		c.JSON(notFoundOr500(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// retryTask moves a dead-lettered task back into the queue.
func (s *Server) retryTask(c *gin.Context) {
	task, err := s.queue.RetryDeadLetter(c.Param("id"))
	if err != nil {
		c.JSON(notFoundOr500(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// ---- hub ----

func (s *Server) hubState(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Status())
}

func (s *Server) hubPause(c *gin.Context) {
	s.hub.Pause()
	c.JSON(http.StatusOK, s.hub.Status())
}

func (s *Server) hubResume(c *gin.Context) {
	s.hub.Resume()
	c.JSON(http.StatusOK, s.hub.Status())
}

func (s *Server) hubHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.hub.History()})
}

// ---- repo registry ----

type addRepoRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
}

func (s *Server) addRepo(c *gin.Context) {
	var req addRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := s.repos.Add(req.URL, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) listRepos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repos": s.repos.List()})
}

func (s *Server) removeRepo(c *gin.Context) {
	s.repoOp(c, strings.TrimPrefix(c.Param("id"), "/"), s.repos.Remove)
}

// repoAction handles PUT /api/admin/repo-registry/<id>/<action>. The
// id is a host/path slug, so the wildcard capture is split at its last
// segment to recover the action.
func (s *Server) repoAction(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "missing repo action"})
		return
	}
	id, action := path[:idx], path[idx+1:]

	switch action {
	case "move-up":
		s.repoOp(c, id, s.repos.MoveUp)
	case "move-down":
		s.repoOp(c, id, s.repos.MoveDown)
	case "pause":
		s.repoOp(c, id, func(id string) error {
			return s.repos.SetStatus(id, types.RepoPaused)
		})
	case "unpause":
		s.repoOp(c, id, func(id string) error {
			return s.repos.SetStatus(id, types.RepoActive)
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown repo action %q", action)})
	}
}

func (s *Server) repoOp(c *gin.Context, id string, op func(id string) error) {
	if err := op(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repos.ErrRepoNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": s.repos.List()})
}

// ---- llm registry ----

type addEndpointRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) addEndpoint(c *gin.Context) {
	var req addEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := s.endpoints.Register(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ep)
}

func (s *Server) listEndpoints(c *gin.Context) {
	endpoints, err := s.endpoints.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *Server) removeEndpoint(c *gin.Context) {
	if err := s.endpoints.Remove(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, llmreg.ErrNotRegistered) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- tokens ----

type issueTokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// issueToken mints a bearer token for an agent. The first token of a
// fresh deployment comes from `agentcom token issue` instead, since
// this route itself requires auth.
func (s *Server) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.auth.Issue(req.AgentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("agent_id", req.AgentID).Msg("token issued")
	c.JSON(http.StatusCreated, gin.H{"agent_id": req.AgentID, "token": token})
}

func (s *Server) revokeToken(c *gin.Context) {
	if err := s.auth.Revoke(c.Param("token")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- admin ----

// backup streams a consistent snapshot of the durable store.
func (s *Server) backup(c *gin.Context) {
	filename := fmt.Sprintf("agentcom-%s.db", time.Now().Format("20060102-150405"))
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", "attachment; filename="+filename)

	n, err := s.store.Backup(c.Writer)
	if err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	s.logger.Info().Int64("bytes", n).Str("file", filename).Msg("backup streamed")
}

func (s *Server) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.monitor.History()})
}

func notFoundOr500(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
