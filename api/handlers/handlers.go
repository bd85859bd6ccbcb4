// Package handlers exposes the broker's REST surface: session discovery,
// history browsing, recording downloads, and deletion. Interactive traffic
// goes over the WebSocket gateway; REST is for everything a page load needs
// before it attaches.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/backend/internal/auth"
	"github.com/agent-console/backend/internal/eventlog"
	"github.com/agent-console/backend/internal/gateway"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/registry"
	"github.com/agent-console/backend/internal/repository"
)

// Handler serves the REST endpoints.
type Handler struct {
	reg          *registry.Registry
	log          *eventlog.Log
	store        *repository.Store
	gate         auth.Gate
	recordingDir string
}

// New creates a Handler. store may be nil when persistence is disabled.
func New(reg *registry.Registry, log *eventlog.Log, store *repository.Store, gate auth.Gate, recordingDir string) *Handler {
	return &Handler{
		reg:          reg,
		log:          log,
		store:        store,
		gate:         gate,
		recordingDir: recordingDir,
	}
}

// RegisterRoutes mounts the REST routes and the WebSocket endpoint.
func (h *Handler) RegisterRoutes(router *gin.Engine, gw *gateway.Gateway) {
	router.GET("/health", h.Health)
	router.GET("/ws", gw.HandleWS)

	api := router.Group("/api", h.requireAuth)
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/events", h.SessionEvents)
		api.GET("/sessions/:id/recording", h.SessionRecording)
		api.DELETE("/sessions/:id", h.DeleteSession)
	}
}

// requireAuth authorizes the request and stashes the identity.
func (h *Handler) requireAuth(c *gin.Context) {
	credential := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if credential == "" {
		credential = c.Query("token")
	}
	identity, ok := h.gate.Authorize(credential)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set("identity", identity)
	c.Next()
}

func callerID(c *gin.Context) string {
	identity, _ := c.MustGet("identity").(auth.Identity)
	return identity.UserID
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListSessions returns the caller's sessions: live ones from the registry,
// merged with persisted history when a store is configured.
func (h *Handler) ListSessions(c *gin.Context) {
	owner := callerID(c)
	sessions := h.reg.List(owner)

	if h.store != nil {
		seen := make(map[string]bool, len(sessions))
		for _, s := range sessions {
			seen[s.ID] = true
		}
		persisted, err := h.store.ListSessions(c.Request.Context(), owner)
		if err == nil {
			for _, s := range persisted {
				if !seen[s.ID] {
					sessions = append(sessions, s)
				}
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session, live or historical, with the chain of
// session ids it transitively resumes.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.lookupSession(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var chain []string
	if h.store != nil && sess.ResumesID != "" {
		chain, _ = h.store.ResumeChain(c.Request.Context(), sess.ID)
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "resumeChain": chain})
}

// SessionEvents pages through a session's event log. Live sessions are
// served from memory; exited ones that were already dropped fall back to
// the store mirror.
func (h *Handler) SessionEvents(c *gin.Context) {
	sess, err := h.lookupSession(c)
	if err != nil {
		respondError(c, err)
		return
	}

	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	events, err := h.log.ReadFrom(sess.ID, after, limit)
	if errors.Is(err, model.ErrSessionNotFound) && h.store != nil {
		events, err = h.store.EventsFrom(c.Request.Context(), sess.ID, after, limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	nextAfter := after
	if len(events) > 0 {
		nextAfter = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"nextAfter": nextAfter,
		"latestSeq": h.log.LatestSeq(sess.ID),
	})
}

// SessionRecording downloads the asciinema cast of a shell session.
func (h *Handler) SessionRecording(c *gin.Context) {
	sess, err := h.lookupSession(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.recordingDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "recordings disabled"})
		return
	}

	path := filepath.Join(h.recordingDir, sess.ID+".cast")
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recording for session"})
		return
	}
	c.FileAttachment(path, sess.ID+".cast")
}

// DeleteSession terminates (if live) and removes a session with its events.
func (h *Handler) DeleteSession(c *gin.Context) {
	sess, err := h.lookupSession(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.reg.Delete(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": sess.ID})
}

// lookupSession resolves :id for the caller, hiding other owners' sessions.
func (h *Handler) lookupSession(c *gin.Context) (*model.Session, error) {
	id := c.Param("id")
	owner := callerID(c)

	if s, err := h.reg.Get(id); err == nil {
		if s.OwnerID != owner {
			return nil, model.ErrSessionNotFound
		}
		return s.Snapshot(), nil
	}

	if h.store != nil {
		sess, err := h.store.GetSession(c.Request.Context(), id)
		if err != nil {
			return nil, err
		}
		if sess.OwnerID != owner {
			return nil, model.ErrSessionNotFound
		}
		return sess, nil
	}
	return nil, model.ErrSessionNotFound
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrCommandRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
