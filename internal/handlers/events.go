package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/audit"
	"github.com/trustlock/storage-audit/internal/logger"
	"github.com/trustlock/storage-audit/internal/metrics"
)

// highRiskThreshold is the risk score at or above which an application is
// automatically flagged in its audit trail.
const highRiskThreshold = 70

// EventsHandler reacts to upstream pipeline events. Currently the only
// reaction is flagging high-risk score events into the audit log.
type EventsHandler struct {
	log *audit.Log
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(log *audit.Log) *EventsHandler {
	return &EventsHandler{log: log}
}

type eventRequest struct {
	EventType     string         `json:"event_type"`
	ApplicationID string         `json:"application_id"`
	Payload       map[string]any `json:"payload"`
}

// Ingest accepts one event. POST /events
func (h *EventsHandler) Ingest(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EventType == "" || req.ApplicationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}

	if req.EventType == "risk_scored" {
		if score, ok := req.Payload["risk_score"].(float64); ok && score >= highRiskThreshold {
			flag := map[string]any{"risk_score": score, "reason": req.Payload["reason"]}

			// Events carry no chain head of their own; AppendAuto reads the
			// head under the stream's append lock, so concurrent high-risk
			// events for one application serialize instead of forking the
			// chain. A caller-supplied prev_audit_hash is still honored and
			// conflicts if stale.
			var res audit.AppendResult
			var err error
			if prev, ok := req.Payload["prev_audit_hash"].(string); ok && prev != "" {
				res, err = h.log.Append(req.ApplicationID, "event_consumer", "auto_flag_high_risk", flag, prev)
			} else {
				res, err = h.log.AppendAuto(req.ApplicationID, "event_consumer", "auto_flag_high_risk", flag)
			}
			if err != nil {
				metrics.EventsTotal.WithLabelValues(req.EventType, "error").Inc()
				if errors.Is(err, audit.ErrHeadConflict) {
					c.JSON(http.StatusConflict, gin.H{"error": "prev_hash_conflict"})
					return
				}
				logger.Error("event audit append failed", "application_id", req.ApplicationID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "event_handling_failed"})
				return
			}
			metrics.EventsTotal.WithLabelValues(req.EventType, "flagged").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "flagged", "log_hash": res.LogHash})
			return
		}
	}

	metrics.EventsTotal.WithLabelValues(req.EventType, "received").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
