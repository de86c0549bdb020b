package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/logger"
	"github.com/trustlock/storage-audit/internal/metadata"
	"github.com/trustlock/storage-audit/internal/metrics"
	"github.com/trustlock/storage-audit/internal/services"
)

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// StoreHandler handles content-addressed object uploads and reads.
type StoreHandler struct {
	objects *services.ObjectService
}

// NewStoreHandler creates a StoreHandler.
func NewStoreHandler(objects *services.ObjectService) *StoreHandler {
	return &StoreHandler{objects: objects}
}

type base64Upload struct {
	FileBase64 string `json:"file_base64"`
	Filename   string `json:"filename"`
}

// Upload stores a file. POST /store/upload accepts multipart field "file" or JSON
// {file_base64, filename?}. Responds {storage_path, hash, size}.
func (h *StoreHandler) Upload(c *gin.Context) {
	data, name, ok := h.readUpload(c)
	if !ok {
		return
	}

	rec, created, err := h.objects.Upload(c.Request.Context(), data, name)
	if err != nil {
		if errors.Is(err, services.ErrUploadTooLarge) {
			metrics.UploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
			return
		}
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		logger.Error("upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	if created {
		metrics.UploadsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.UploadsTotal.WithLabelValues("deduplicated").Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"storage_path": rec.StoragePath,
		"hash":         "sha256:" + rec.SHA256,
		"size":         rec.Size,
	})
}

// readUpload extracts the upload bytes and name hint from either a multipart
// form or a base64 JSON body. The size cap is enforced before the full body
// is accepted; on failure a response has already been written.
func (h *StoreHandler) readUpload(c *gin.Context) ([]byte, string, bool) {
	maxBytes := h.objects.MaxBytes()

	if file, err := c.FormFile("file"); err == nil {
		if maxBytes > 0 && file.Size > maxBytes {
			metrics.UploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
			return nil, "", false
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
			return nil, "", false
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			logger.Error("read multipart upload", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
			return nil, "", false
		}
		return data, file.Filename, true
	}

	var req base64Upload
	if err := c.ShouldBindJSON(&req); err != nil || req.FileBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return nil, "", false
	}
	// Cap check on the encoded length: decoded size is ~3/4 of it.
	if maxBytes > 0 && int64(len(req.FileBase64))/4*3 > maxBytes {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(req.FileBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 payload"})
		return nil, "", false
	}
	return data, req.Filename, true
}

// Download streams stored bytes back by digest. GET /store/object/:sha256
func (h *StoreHandler) Download(c *gin.Context) {
	digest := c.Param("sha256")
	if !hexDigestRe.MatchString(digest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sha256"})
		return
	}
	rec, data, err := h.objects.Fetch(c.Request.Context(), digest)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		logger.Error("object fetch failed", "sha256", digest, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	if rec.OriginalName != "" {
		c.Header("Content-Disposition", `attachment; filename="`+rec.OriginalName+`"`)
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// List returns all object records. GET /store/objects
func (h *StoreHandler) List(c *gin.Context) {
	records, err := h.objects.List(c.Request.Context())
	if err != nil {
		logger.Error("object list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": records})
}
