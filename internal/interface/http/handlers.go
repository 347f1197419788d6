package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soulpet/companion-hub/config"
	"github.com/soulpet/companion-hub/internal/application/command"
	"github.com/soulpet/companion-hub/internal/application/query"
	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	status.Version = s.config.Version
	if !status.Healthy {
		writeJSON(c, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(c, http.StatusOK, status)
}

// handleReady handles the readiness endpoint.
func (s *Server) handleReady(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	if !status.Ready {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ready"})
}

// handleLive handles the liveness endpoint.
func (s *Server) handleLive(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleCatalogCompanions handles GET /api/v1/catalog/companions
func (s *Server) handleCatalogCompanions(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.deps.Catalog.Companions())
}

// handleCatalogChallenges handles GET /api/v1/catalog/challenges?companion=&period=
func (s *Server) handleCatalogChallenges(c *gin.Context) {
	defs, err := s.deps.Catalog.ChallengesForPeriod(c.Query("companion"), c.Query("period"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSONWithMeta(c, http.StatusOK, defs, &ResponseMeta{TotalCount: len(defs)})
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPANION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleListCompanions handles GET /api/v1/users/:userID/companions
func (s *Server) handleListCompanions(c *gin.Context) {
	sess := sessionFrom(c)
	views, err := s.deps.Progression.ListCompanions(c.Request.Context(), sess)
	if err != nil {
		s.fail(c, err)
		return
	}
	for i := range views {
		s.trimView(&views[i], sess)
	}
	writeJSON(c, http.StatusOK, gin.H{
		"active":     sess.Active(),
		"companions": views,
		"synced_at":  sess.SyncedAt(),
	})
}

// handleGetCompanion handles GET /api/v1/users/:userID/companions/:companion
// Pass ?challenges=false to skip the challenge board.
func (s *Server) handleGetCompanion(c *gin.Context) {
	sess := sessionFrom(c)
	withBoard := c.DefaultQuery("challenges", "true") != "false" &&
		s.enabled(config.FeatureChallengeBoard, sess)

	view, err := s.deps.Progression.GetCompanion(c.Request.Context(), sess, query.GetCompanionQuery{
		Companion:         c.Param("companion"),
		IncludeChallenges: withBoard,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.trimView(view, sess)
	writeJSON(c, http.StatusOK, view)
}

// handleGetBoard handles GET /api/v1/users/:userID/companions/:companion/challenges
func (s *Server) handleGetBoard(c *gin.Context) {
	sess := sessionFrom(c)
	if !s.enabled(config.FeatureChallengeBoard, sess) {
		writeError(c, http.StatusNotFound, "feature_disabled", "Challenge board is disabled")
		return
	}
	board, err := s.deps.Progression.GetBoard(c.Request.Context(), sess, c.Param("companion"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, splitByPeriod(board))
}

// trimView drops parts of the card hidden by feature flags.
func (s *Server) trimView(v *query.CompanionView, sess *session.Store) {
	if !s.enabled(config.FeatureNextRequirements, sess) {
		v.Next = nil
	}
}

// boardView is a challenge board split by reset period.
type boardView struct {
	Daily  []query.ChallengeView `json:"daily"`
	Weekly []query.ChallengeView `json:"weekly"`
}

func splitByPeriod(board []query.ChallengeView) boardView {
	out := boardView{Daily: []query.ChallengeView{}, Weekly: []query.ChallengeView{}}
	for _, v := range board {
		if v.Period == challenge.PeriodWeekly {
			out.Weekly = append(out.Weekly, v)
		} else {
			out.Daily = append(out.Daily, v)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// STEP HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// stepRequest is the optional body of a step. A missing amount means 1.
type stepRequest struct {
	Amount *int `json:"amount"`
}

// stepResponse is the state after a step.
type stepResponse struct {
	Companion     *query.CompanionView          `json:"companion"`
	Challenge     challenge.Progress            `json:"challenge"`
	JustCompleted bool                          `json:"just_completed"`
	XPAwarded     int                           `json:"xp_awarded"`
	Evolution     *shared.CompanionEvolvedEvent `json:"evolution,omitempty"`
	Synced        bool                          `json:"synced"`
}

// handleCompleteStep handles
// POST /api/v1/users/:userID/companions/:companion/challenges/:challengeID/steps
func (s *Server) handleCompleteStep(c *gin.Context) {
	sess := sessionFrom(c)

	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorWithDetails(c, http.StatusBadRequest, "invalid_body", "Request body must be JSON", err.Error())
		return
	}
	amount := 1
	if req.Amount != nil {
		amount = *req.Amount
	}

	companionName := c.Param("companion")
	challengeID := c.Param("challengeID")

	// One outstanding step per challenge; the trigger is disabled until it returns.
	op := "step:" + companionName + ":" + challengeID
	if err := sess.Begin(op); err != nil {
		s.fail(c, err)
		return
	}
	defer sess.End(op)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	res, err := s.deps.Coordinator.CompleteStep(ctx, sess, command.CompleteStepCommand{
		UserID:        sess.UserID().String(),
		Companion:     companionName,
		ChallengeID:   challengeID,
		Amount:        amount,
		CorrelationID: c.GetString(keyRequestID),
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	view, err := s.deps.Progression.GetCompanion(ctx, sess, query.GetCompanionQuery{Companion: companionName})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.trimView(view, sess)

	writeJSON(c, http.StatusOK, stepResponse{
		Companion:     view,
		Challenge:     res.Challenge,
		JustCompleted: res.JustCompleted,
		XPAwarded:     res.XPAwarded,
		Evolution:     res.Evolution,
		Synced:        res.Synced,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVE COMPANION & SYNC
// ══════════════════════════════════════════════════════════════════════════════

type activeCompanionRequest struct {
	Companion string `json:"companion" binding:"required"`
}

// handleSetActiveCompanion handles PUT /api/v1/users/:userID/active-companion
func (s *Server) handleSetActiveCompanion(c *gin.Context) {
	sess := sessionFrom(c)
	if !s.enabled(config.FeatureCompanionSwitch, sess) {
		writeError(c, http.StatusNotFound, "feature_disabled", "Companion switching is disabled")
		return
	}

	var req activeCompanionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorWithDetails(c, http.StatusBadRequest, "invalid_body", "companion is required", err.Error())
		return
	}
	t, err := companion.ParseType(req.Companion)
	if err == nil {
		err = sess.SetActive(t)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"active": sess.Active()})
}

// handleSync handles POST /api/v1/users/:userID/sync
func (s *Server) handleSync(c *gin.Context) {
	sess := sessionFrom(c)
	if !s.enabled(config.FeatureManualSync, sess) {
		writeError(c, http.StatusNotFound, "feature_disabled", "Manual sync is disabled")
		return
	}

	refreshed, err := s.deps.Sessions.Refresh(c.Request.Context(), sess.UserID())
	if err != nil {
		s.fail(c, err)
		return
	}
	views, err := s.deps.Progression.ListCompanions(c.Request.Context(), refreshed)
	if err != nil {
		s.fail(c, err)
		return
	}
	for i := range views {
		s.trimView(&views[i], refreshed)
	}
	writeJSON(c, http.StatusOK, gin.H{
		"companions": views,
		"synced_at":  refreshed.SyncedAt(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVOLUTION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleListEvolutions handles GET /api/v1/users/:userID/evolutions
func (s *Server) handleListEvolutions(c *gin.Context) {
	pending := sessionFrom(c).PendingEvolutions()
	writeJSONWithMeta(c, http.StatusOK, pending, &ResponseMeta{TotalCount: len(pending)})
}

// handleAcknowledgeEvolution handles POST /api/v1/users/:userID/evolutions/:eventID/ack
func (s *Server) handleAcknowledgeEvolution(c *gin.Context) {
	ev, err := sessionFrom(c).Acknowledge(c.Param("eventID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ev)
}

// handleEvolutionStream handles GET /api/v1/users/:userID/evolutions/stream.
// Pending notifications are replayed first, then live ones follow. Events
// stay pending until acknowledged.
func (s *Server) handleEvolutionStream(c *gin.Context) {
	sess := sessionFrom(c)
	if !s.enabled(config.FeatureEvolutionStream, sess) {
		writeError(c, http.StatusNotFound, "feature_disabled", "Evolution stream is disabled")
		return
	}

	live, stop := sess.Watch(16)
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sent := make(map[string]bool)
	for _, ev := range sess.PendingEvolutions() {
		sent[ev.ID] = true
		c.SSEvent("evolution", ev)
	}
	c.SSEvent("ready", gin.H{"pending": len(sent)})
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.config.StreamHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Debug("evolution stream opened", logger.UserID(sess.UserID().String()))

	for {
		select {
		case <-ctx.Done():
			log.Debug("evolution stream closed", logger.UserID(sess.UserID().String()))
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if sent[ev.ID] {
				continue
			}
			sent[ev.ID] = true
			c.SSEvent("evolution", ev)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			c.Writer.Flush()
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func userIDParam(c *gin.Context) shared.UserID {
	return shared.UserID(c.Param("userID"))
}

func sessionFrom(c *gin.Context) *session.Store {
	return c.MustGet(keySession).(*session.Store)
}

func (s *Server) enabled(feature string, sess *session.Store) bool {
	if s.deps.Features == nil {
		return true
	}
	return s.deps.Features.IsEnabled(feature, config.ForUser(sess.UserID().String()))
}

// fail maps an application error to a response.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
		writeError(c, status, code, http.StatusText(status))
		return
	}
	writeError(c, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case shared.IsBusy(err):
		return http.StatusTooManyRequests, "step_in_flight"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
