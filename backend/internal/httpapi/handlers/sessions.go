package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabcore/backend/internal/protocol"
	"collabcore/backend/internal/store"
)

type SessionHandler struct {
	sessions *store.SessionStore
	users    *sql.DB
}

func NewSessionHandler(sessions *store.SessionStore, users *sql.DB) *SessionHandler {
	return &SessionHandler{sessions: sessions, users: users}
}

type createSessionReq struct {
	Name   string `json:"name" binding:"required"`
	FileID string `json:"fileId" binding:"required"`
}

type inviteReq struct {
	Email       string `json:"email" binding:"required"`
	Permissions string `json:"permissions"`
}

type permissionsReq struct {
	UserID      string `json:"userId" binding:"required"`
	Permissions string `json:"permissions" binding:"required"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	userID := c.GetString("userId")
	rec := store.SessionRecord{
		ID:        uuid.NewString(),
		Name:      req.Name,
		FileID:    req.FileID,
		CreatedBy: userID,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := h.sessions.Create(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, protocol.Session{
		ID:           rec.ID,
		Name:         rec.Name,
		FileID:       rec.FileID,
		CreatedBy:    rec.CreatedBy,
		Participants: []string{userID},
		IsActive:     true,
		Permissions:  protocol.PermissionAdmin,
	})
}

// requireAdmin loads the caller's permission and rejects anything short of
// admin.
func (h *SessionHandler) requireAdmin(c *gin.Context, sessionID string) bool {
	perm, err := h.sessions.PermissionOf(c.Request.Context(), sessionID, c.GetString("userId"))
	if err != nil {
		if errors.Is(err, store.ErrParticipantNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "not a participant"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return false
	}
	if perm != protocol.PermissionAdmin {
		c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "admin permission required"})
		return false
	}
	return true
}

func (h *SessionHandler) End(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.requireAdmin(c, sessionID) {
		return
	}
	if err := h.sessions.End(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": sessionID})
}

func (h *SessionHandler) Leave(c *gin.Context) {
	sessionID := c.Param("id")
	err := h.sessions.RemoveParticipant(c.Request.Context(), sessionID, c.GetString("userId"))
	if err != nil && !errors.Is(err, store.ErrParticipantNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": sessionID})
}

// Invite resolves the invitee by email and adds them as a participant.
func (h *SessionHandler) Invite(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.requireAdmin(c, sessionID) {
		return
	}
	var req inviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	perm := protocol.Permission(req.Permissions)
	if perm == "" {
		perm = protocol.PermissionWrite
	}
	u, err := store.GetUserByEmail(c.Request.Context(), h.users, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no user with that email"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	if err := h.sessions.AddParticipant(c.Request.Context(), sessionID, u.ID, perm); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invited": u.ID, "permissions": perm})
}

func (h *SessionHandler) RemoveParticipant(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.requireAdmin(c, sessionID) {
		return
	}
	userID := c.Param("userId")
	if err := h.sessions.RemoveParticipant(c.Request.Context(), sessionID, userID); err != nil {
		if errors.Is(err, store.ErrParticipantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "participant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": userID})
}

func (h *SessionHandler) UpdatePermissions(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.requireAdmin(c, sessionID) {
		return
	}
	var req permissionsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	err := h.sessions.UpdatePermission(c.Request.Context(), sessionID, req.UserID, protocol.Permission(req.Permissions))
	if err != nil {
		if errors.Is(err, store.ErrParticipantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "participant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": req.UserID, "permissions": req.Permissions})
}
