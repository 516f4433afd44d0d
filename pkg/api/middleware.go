package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const agentIDKey = "agent_id"

// authenticate resolves the bearer token to an agent id and stores it
// in the request context.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	agentID, err := s.auth.Resolve(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(agentIDKey, agentID)
	c.Next()
}

// rateLimit enforces the per-agent request budget.
func (s *Server) rateLimit(c *gin.Context) {
	agentID := c.GetString(agentIDKey)
	if !s.limiter.allow(agentID, time.Now()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

// rateLimiter is a fixed-window counter per agent. Windows are one
// minute wide; the budget resets at each window boundary.
type rateLimiter struct {
	perMinute int
	mu        sync.Mutex
	windows   map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		windows:   make(map[string]*window),
	}
}

func (r *rateLimiter) allow(agentID string, now time.Time) bool {
	if r.perMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[agentID]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &window{start: now}
		r.windows[agentID] = w
	}
	if w.count >= r.perMinute {
		return false
	}
	w.count++
	return true
}
