// Package httpapi implements the engine's ingress HTTP surface: thin
// handlers that parse/validate a request and delegate straight into
// internal/callqueue.Service. It contains no queue or dispatch logic of
// its own, the same "keep handlers lightweight" discipline the teacher's
// own internal/httpapi/handlers.go documents.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"telecom-platform/internal/callqueue"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Queue *callqueue.Service
}

type callConfigRequest struct {
	ID          string            `json:"id"`
	BatchID     string            `json:"batch_id,omitempty"`
	PhoneNumber string            `json:"phone_number"`
	CampaignID  string            `json:"campaign_id"`
	CallConfig  map[string]string `json:"call_config"`
	Priority    string            `json:"priority"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
	MaxRetries  int               `json:"max_retries"`
}

func (r callConfigRequest) toSpec() callqueue.JobSpec {
	priority := callqueue.Priority(r.Priority)
	return callqueue.JobSpec{
		ID:          r.ID,
		BatchID:     r.BatchID,
		PhoneNumber: r.PhoneNumber,
		CampaignID:  r.CampaignID,
		CallConfig:  r.CallConfig,
		Priority:    priority,
		ScheduledAt: r.ScheduledAt,
		MaxRetries:  r.MaxRetries,
	}
}

type enqueueResultResponse struct {
	CallID  string `json:"call_id"`
	BatchID string `json:"batch_id,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func toResponse(r callqueue.EnqueueResult) enqueueResultResponse {
	return enqueueResultResponse{CallID: r.CallID, BatchID: r.BatchID, Status: string(r.Status), Error: r.Error}
}

// enqueueBulkRequest is enqueue_bulk's request shape per SPEC_FULL.md §6:
// a batch_id shared across every entry, plus the per-job specs.
type enqueueBulkRequest struct {
	BatchID string              `json:"batch_id"`
	Jobs    []callConfigRequest `json:"jobs"`
}

// EnqueueOne implements enqueue_one.
func (h Handlers) EnqueueOne(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue service not configured"})
		return
	}
	var req callConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Queue.EnqueueOne(c.Request.Context(), req.toSpec())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

// EnqueueBulk implements enqueue_bulk. Each entry is processed
// independently; a bad entry never aborts the batch.
func (h Handlers) EnqueueBulk(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue service not configured"})
		return
	}
	var req enqueueBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	specs := make([]callqueue.JobSpec, len(req.Jobs))
	for i, r := range req.Jobs {
		specs[i] = r.toSpec()
	}
	results := h.Queue.EnqueueBulk(c.Request.Context(), req.BatchID, specs)
	out := make([]enqueueResultResponse, len(results))
	for i, r := range results {
		out[i] = toResponse(r)
	}
	c.JSON(http.StatusOK, out)
}

// GetStatus implements get_status.
func (h Handlers) GetStatus(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue service not configured"})
		return
	}
	callID := c.Param("call_id")
	job, err := h.Queue.GetStatus(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, callqueue.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetQueueMetrics implements get_queue_metrics.
func (h Handlers) GetQueueMetrics(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue service not configured"})
		return
	}
	metrics, err := h.Queue.GetQueueMetrics(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}
