package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/renwei/cvflow/internal/api/middleware"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/service"
	"gorm.io/gorm"
)

// UploadHandler exposes the document upload and job polling endpoints.
type UploadHandler struct {
	uploads     *service.UploadService
	maxFileSize int64
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(uploads *service.UploadService, maxFileSize int64) *UploadHandler {
	return &UploadHandler{uploads: uploads, maxFileSize: maxFileSize}
}

// Upload accepts a document for asynchronous processing.
// POST /api/v1/documents (multipart form, field "file")
func (h *UploadHandler) Upload(c *gin.Context) {
	log := middleware.GetLogger(c)
	userID := middleware.GetUserID(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "file exceeds the maximum allowed size",
			"limit": h.maxFileSize,
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		log.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		log.WithError(err).Error("Failed to read uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
		return
	}

	result, err := h.uploads.Accept(c.Request.Context(), userID, service.FileUpload{
		Name:        fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
		Data:        data,
	})
	switch {
	case errors.Is(err, service.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only pdf, docx and doc documents are accepted"})
		return
	case errors.Is(err, service.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the maximum allowed size"})
		return
	case errors.Is(err, service.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	case err != nil:
		log.WithError(err).Error("Failed to accept upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept upload"})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// JobStatus returns the state of one job for polling.
// GET /api/v1/jobs/:id
func (h *UploadHandler) JobStatus(c *gin.Context) {
	userID := middleware.GetUserID(c)
	jobID := c.Param("id")

	job, err := h.uploads.Status(c.Request.Context(), userID, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to load job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, jobStatusResponse(job))
}

// JobHistory lists the user's jobs newest first.
// GET /api/v1/jobs?limit=&offset=
func (h *UploadHandler) JobHistory(c *gin.Context) {
	userID := middleware.GetUserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := h.uploads.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	items := make([]gin.H, len(jobs))
	for i := range jobs {
		items[i] = jobStatusResponse(&jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items, "count": len(items)})
}

// CurrentDocument returns the user's document on file.
// GET /api/v1/documents/current
func (h *UploadHandler) CurrentDocument(c *gin.Context) {
	userID := middleware.GetUserID(c)

	profile, err := h.uploads.CurrentDocument(c.Request.Context(), userID)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to load document record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no document on file"})
		return
	}

	c.JSON(http.StatusOK, profile)
}

// jobStatusResponse shapes a job for the polling API. The payload never
// leaves the server; error and result are included only when set.
func jobStatusResponse(job *domain.UploadJob) gin.H {
	resp := gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"file_info":  job.FileInfo,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != nil {
		resp["error"] = job.Error
	}
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt
	}
	return resp
}
