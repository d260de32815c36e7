// Package api exposes the matcher over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/auth"
	"github.com/whisper/matchmaker/internal/ban"
	"github.com/whisper/matchmaker/internal/matching"
	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/ratelimit"
)

// Enqueuer is implemented by matching.Enqueuer.
type Enqueuer interface {
	Enqueue(ctx context.Context, uid string, req matching.SearchRequest) (queue.Entry, error)
}

// Canceller is implemented by matching.Canceller.
type Canceller interface {
	Cancel(ctx context.Context, uid string) (matching.CancelResult, error)
}

// RateLimiter is implemented by ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, uid string, rule ratelimit.Rule) (bool, error)
}

// BanStore is implemented by ban.Store.
type BanStore interface {
	RecordOffense(ctx context.Context, uid, reason string) (time.Duration, error)
	Status(ctx context.Context, uid string) (ban.Status, error)
	Offenses(ctx context.Context, uid string) (int, error)
}

// SessionReader is implemented by account.Store.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*account.ChatSession, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves the match endpoints.
type Handler struct {
	enqueuer  Enqueuer
	canceller Canceller
	limiter   RateLimiter
	bans      BanStore
	sessions  SessionReader
	checks    map[string]HealthCheck
	logger    *zap.Logger
}

// NewHandler creates a handler. limiter may be nil to disable rate limiting;
// bans may be nil to not penalize rate limit breaches.
func NewHandler(enqueuer Enqueuer, canceller Canceller, limiter RateLimiter, bans BanStore, sessions SessionReader, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	return &Handler{
		enqueuer:  enqueuer,
		canceller: canceller,
		limiter:   limiter,
		bans:      bans,
		sessions:  sessions,
		checks:    checks,
		logger:    logger,
	}
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(h *Handler, verifier *auth.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1", verifier.Middleware())
	v1.POST("/match", h.rateLimit(ratelimit.RuleEnqueue), h.Enqueue)
	v1.DELETE("/match", h.rateLimit(ratelimit.RuleCancel), h.Cancel)
	v1.GET("/match/ban", h.BanStatus)
	v1.GET("/sessions/:id", h.Session)
	return r
}

// Enqueue starts a search for the authenticated user.
func (h *Handler) Enqueue(c *gin.Context) {
	var req matching.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	entry, err := h.enqueuer.Enqueue(c.Request.Context(), auth.UID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

// Cancel withdraws the authenticated user from the queue.
func (h *Handler) Cancel(c *gin.Context) {
	res, err := h.canceller.Cancel(c.Request.Context(), auth.UID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type banResponse struct {
	Banned           bool   `json:"banned"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	Offenses         int    `json:"offenses"`
}

// BanStatus reports the caller's search ban and recent offense count.
func (h *Handler) BanStatus(c *gin.Context) {
	if h.bans == nil {
		c.JSON(http.StatusOK, banResponse{})
		return
	}
	ctx, uid := c.Request.Context(), auth.UID(c)

	st, err := h.bans.Status(ctx, uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	offenses, err := h.bans.Offenses(ctx, uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, banResponse{
		Banned:           st.Banned,
		Reason:           st.Reason,
		RemainingSeconds: int64(st.Remaining.Seconds()),
		Offenses:         offenses,
	})
}

type sessionResponse struct {
	ID              string                             `json:"id"`
	Participants    [2]string                          `json:"participants"`
	ParticipantInfo map[string]account.ParticipantInfo `json:"participantInfo"`
	StartedAt       time.Time                          `json:"startedAt"`
}

// Session returns a chat session the caller takes part in. Sessions of
// other users are reported as not found.
func (h *Handler) Session(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	uid := auth.UID(c)

	cs, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if cs == nil || (cs.Participants[0] != uid && cs.Participants[1] != uid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		ID:              cs.ID,
		Participants:    cs.Participants,
		ParticipantInfo: cs.ParticipantInfo,
		StartedAt:       cs.StartedAt,
	})
}

// Health runs every dependency check.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	c.JSON(status, report)
}

func (h *Handler) rateLimit(rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		uid := auth.UID(c)
		allowed, _ := h.limiter.Allow(c.Request.Context(), uid, rule)
		if !allowed {
			h.recordOffense(c.Request.Context(), uid)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (h *Handler) recordOffense(ctx context.Context, uid string) {
	if h.bans == nil {
		return
	}
	d, err := h.bans.RecordOffense(ctx, uid, "rate_limited")
	if err != nil {
		h.logger.Warn("record offense", zap.String("uid", uid), zap.Error(err))
		return
	}
	if d > 0 {
		h.logger.Info("search ban applied", zap.String("uid", uid), zap.Duration("duration", d))
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("uid", auth.UID(c)), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, matching.ErrBanned):
		return http.StatusForbidden
	case errors.Is(err, account.ErrInsufficientCoins):
		return http.StatusPaymentRequired
	case errors.Is(err, queue.ErrAlreadyQueued), errors.Is(err, account.ErrAlreadyInChat):
		return http.StatusConflict
	case errors.Is(err, account.ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
