package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/audit"
	"github.com/trustlock/storage-audit/internal/logger"
	"github.com/trustlock/storage-audit/internal/metrics"
)

// AuditHandler exposes the hash-chained audit log.
type AuditHandler struct {
	log *audit.Log
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(log *audit.Log) *AuditHandler {
	return &AuditHandler{log: log}
}

type appendRequest struct {
	AuditID string          `json:"audit_id"`
	Actor   string          `json:"actor"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	// Pointer so an omitted prev_hash is distinguishable from an explicit
	// empty string (the first entry of a stream).
	PrevHash *string `json:"prev_hash"`
}

// Append adds an entry to a stream. POST /audit/append
func (h *AuditHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.AuditID == "" || req.Actor == "" || req.Action == "" || req.Payload == nil || req.PrevHash == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var payload any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	res, err := h.log.Append(req.AuditID, req.Actor, req.Action, payload, *req.PrevHash)
	if err != nil {
		metrics.AuditAppendsTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, audit.ErrInvalidID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		case errors.Is(err, audit.ErrHeadConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "prev_hash_conflict"})
		default:
			logger.Error("audit append failed", "audit_id", req.AuditID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "append_failed"})
		}
		return
	}
	metrics.AuditAppendsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, res)
}

// Read returns a stream's entries in order. GET /audit/read/:audit_id
func (h *AuditHandler) Read(c *gin.Context) {
	entries, err := h.log.Read(c.Param("audit_id"))
	if err != nil {
		if errors.Is(err, audit.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_audit_id"})
			return
		}
		logger.Error("audit read failed", "audit_id", c.Param("audit_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Verify recomputes a stream's chain. GET /audit/verify/:audit_id
func (h *AuditHandler) Verify(c *gin.Context) {
	res, err := h.log.Verify(c.Param("audit_id"))
	if err != nil {
		if errors.Is(err, audit.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_audit_id"})
			return
		}
		logger.Error("audit verify failed", "audit_id", c.Param("audit_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
