package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/logger"
	"github.com/trustlock/storage-audit/internal/merkle"
	"github.com/trustlock/storage-audit/internal/metrics"
)

// MerkleHandler exposes on-demand snapshots and the latest snapshot.
type MerkleHandler struct {
	engine *merkle.Engine
}

// NewMerkleHandler creates a MerkleHandler.
func NewMerkleHandler(engine *merkle.Engine) *MerkleHandler {
	return &MerkleHandler{engine: engine}
}

// Snapshot builds and persists a snapshot now. POST /merkle/snapshot
func (h *MerkleHandler) Snapshot(c *gin.Context) {
	start := time.Now()
	snap, err := h.engine.Snapshot(c.Request.Context())
	if err != nil {
		logger.Error("snapshot failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLeaves.Set(float64(snap.Count))
	c.JSON(http.StatusOK, snap)
}

// Latest returns the newest persisted snapshot, or {} if none exists.
// GET /merkle/latest
func (h *MerkleHandler) Latest(c *gin.Context) {
	snap, err := h.engine.Latest()
	if err != nil {
		logger.Error("latest snapshot fetch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, snap)
}
