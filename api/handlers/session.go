// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fakeos/termbroker/internal/broker"
	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/repository"
)

// HistoryStore reads the session audit log.
type HistoryStore interface {
	List(ctx context.Context, filter repository.ListFilter) ([]*model.SessionRecord, error)
	GetByID(ctx context.Context, recordID int64) (*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for session listing and history.
type SessionHandler struct {
	broker  *broker.Broker
	history HistoryStore
}

// NewSessionHandler creates a new SessionHandler. history may be nil when
// the audit log is disabled.
func NewSessionHandler(b *broker.Broker, history HistoryStore) *SessionHandler {
	return &SessionHandler{
		broker:  b,
		history: history,
	}
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	PID          int    `json:"pid,omitempty"`
	Subscribers  int    `json:"subscribers"`
	HistoryBytes int    `json:"historyBytes"`
	TotalBytes   uint64 `json:"totalBytes"`
	Respawns     int    `json:"respawns"`
	Cols         uint16 `json:"cols"`
	Rows         uint16 `json:"rows"`
	Uptime       string `json:"uptime"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivity"`
}

// RecordResponse represents an audit record in API responses.
type RecordResponse struct {
	RecordID  int64             `json:"recordId"`
	ID        string            `json:"id"`
	Mode      string            `json:"mode"`
	Command   string            `json:"command"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	PID       *int              `json:"pid,omitempty"`
	Status    string            `json:"status"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Respawns  int               `json:"respawns"`
	Duration  string            `json:"duration"`
	CreatedAt string            `json:"createdAt"`
	EndedAt   string            `json:"endedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toSessionResponse(info model.SessionInfo, now time.Time) SessionResponse {
	return SessionResponse{
		ID:           info.ID,
		Mode:         string(info.Mode),
		Status:       string(info.Status),
		PID:          info.PID,
		Subscribers:  info.Subscribers,
		HistoryBytes: info.HistoryBytes,
		TotalBytes:   info.TotalBytes,
		Respawns:     info.Respawns,
		Cols:         info.Cols,
		Rows:         info.Rows,
		Uptime:       formatDuration(now.Sub(info.CreatedAt)),
		CreatedAt:    info.CreatedAt.Format(time.RFC3339),
		LastActivity: info.LastActivity.Format(time.RFC3339),
	}
}

func toRecordResponse(r *model.SessionRecord) RecordResponse {
	resp := RecordResponse{
		RecordID:  r.RecordID,
		ID:        r.ID,
		Mode:      string(r.Mode),
		Command:   r.Command,
		Workdir:   r.Workdir,
		Env:       r.Env,
		PID:       r.PID,
		Status:    string(r.Status),
		ExitCode:  r.ExitCode,
		Signal:    r.Signal,
		Respawns:  r.Respawns,
		Duration:  formatDuration(r.Duration()),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
	if r.EndedAt != nil {
		resp.EndedAt = r.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	infos := h.broker.Sessions()
	now := time.Now()

	response := make([]SessionResponse, len(infos))
	for i, info := range infos {
		response[i] = toSessionResponse(info, now)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	info, err := h.broker.Session(sessionID)
	if err != nil {
		if errors.Is(err, broker.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(info, time.Now()))
}

// History handles GET /api/sessions/history - lists audit records, newest
// first. Query parameters session, status and limit narrow the result.
func (h *SessionHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "AUDIT_DISABLED", "Session history is not recorded")
		return
	}

	filter := repository.ListFilter{
		SessionID: c.Query("session"),
		Status:    model.SessionStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}
	switch filter.Status {
	case "", model.SessionStatusActive, model.SessionStatusExited, model.SessionStatusFailed:
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown status "+string(filter.Status))
		return
	}

	records, err := h.history.List(c.Request.Context(), filter)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}

	response := make([]RecordResponse, len(records))
	for i, r := range records {
		response[i] = toRecordResponse(r)
	}
	c.JSON(http.StatusOK, response)
}

// Record handles GET /api/sessions/history/:record - gets one audit record.
func (h *SessionHandler) Record(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusServiceUnavailable, "AUDIT_DISABLED", "Session history is not recorded")
		return
	}

	recordID, err := strconv.ParseInt(c.Param("record"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid record id")
		return
	}

	record, err := h.history.GetByID(c.Request.Context(), recordID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "RECORD_NOT_FOUND", "Record "+c.Param("record")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get record: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(record))
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/history", h.History)
		sessions.GET("/history/:record", h.Record)
		sessions.GET("/:id", h.Get)
	}
}
