// =============================================================================
// QUEUE API HANDLERS
// HTTP handlers for job queue management and monitoring
// =============================================================================

package queue

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// Handler handles queue API requests
type Handler struct {
	q      *queue.Queue
	logger *zap.Logger
}

// NewHandler creates a new queue handler
func NewHandler(q *queue.Queue, logger *zap.Logger) *Handler {
	return &Handler{q: q, logger: logger}
}

// RegisterRoutes registers queue routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	jobs := rg.Group("/jobs")
	{
		jobs.POST("", h.AddJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.PATCH("/:id", h.EditJob)
		jobs.POST("/:id/retry", h.RetryJob)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.GET("/:id/events", h.GetJobEvents)
	}

	tokens := rg.Group("/tokens")
	{
		tokens.POST("", h.CreateToken)
		tokens.GET("/:id", h.GetToken)
		tokens.POST("/:id/complete", h.CompleteToken)
	}

	cron := rg.Group("/cron")
	{
		cron.POST("", h.AddCronJob)
		cron.GET("", h.ListCronJobs)
		cron.PATCH("/:id", h.EditCronJob)
		cron.POST("/:id/pause", h.PauseCronJob)
		cron.POST("/:id/resume", h.ResumeCronJob)
		cron.DELETE("/:id", h.RemoveCronJob)
	}
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AddJobRequest represents a job enqueue request
type AddJobRequest struct {
	JobType            string     `json:"job_type" binding:"required"`
	Payload            any        `json:"payload"`
	Priority           int        `json:"priority"`
	RunAt              *time.Time `json:"run_at,omitempty"`
	MaxAttempts        int        `json:"max_attempts"`
	TimeoutMs          int64      `json:"timeout_ms"`
	ForceKillOnTimeout bool       `json:"force_kill_on_timeout"`
	Tags               []string   `json:"tags"`
	IdempotencyKey     string     `json:"idempotency_key"`
}

// EditJobRequest represents a partial job edit
type EditJobRequest struct {
	Payload     any        `json:"payload,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	MaxAttempts *int       `json:"max_attempts,omitempty"`
	TimeoutMs   *int64     `json:"timeout_ms,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// CreateTokenRequest represents a standalone waitpoint creation request
type CreateTokenRequest struct {
	Timeout string   `json:"timeout"` // "Ns" | "Nm" | "Nh" | "Nd"
	Tags    []string `json:"tags"`
}

// CompleteTokenRequest carries the data to resume a waiting job with
type CompleteTokenRequest struct {
	Data any `json:"data"`
}

// AddCronJobRequest represents a cron schedule creation request
type AddCronJobRequest struct {
	ScheduleName       string   `json:"schedule_name" binding:"required"`
	CronExpression     string   `json:"cron_expression" binding:"required"`
	Timezone           string   `json:"timezone"`
	JobType            string   `json:"job_type" binding:"required"`
	Payload            any      `json:"payload"`
	Priority           int      `json:"priority"`
	MaxAttempts        int      `json:"max_attempts"`
	TimeoutMs          int64    `json:"timeout_ms"`
	ForceKillOnTimeout bool     `json:"force_kill_on_timeout"`
	Tags               []string `json:"tags"`
	AllowOverlap       bool     `json:"allow_overlap"`
}

// EditCronJobRequest is a full-replacement cron schedule edit, not a
// sparse patch like EditJobRequest: every field below overwrites the
// stored value, and an omitted field is sent as its zero value.
type EditCronJobRequest struct {
	CronExpression     string   `json:"cron_expression" binding:"required"`
	Timezone           string   `json:"timezone"`
	Payload            any      `json:"payload"`
	Priority           int      `json:"priority"`
	MaxAttempts        int      `json:"max_attempts"`
	TimeoutMs          int64    `json:"timeout_ms"`
	ForceKillOnTimeout bool     `json:"force_kill_on_timeout"`
	Tags               []string `json:"tags"`
	AllowOverlap       bool     `json:"allow_overlap"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// AddJob enqueues a new job.
func (h *Handler) AddJob(c *gin.Context) {
	var req AddJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	opts := queue.JobOptions{
		JobType:            req.JobType,
		Payload:            req.Payload,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		TimeoutMs:          req.TimeoutMs,
		ForceKillOnTimeout: req.ForceKillOnTimeout,
		Tags:               req.Tags,
		IdempotencyKey:     req.IdempotencyKey,
	}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}

	job, err := h.q.AddJob(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("failed to add job", zap.Error(err), zap.String("job_type", req.JobType))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "add_job_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListJobs returns jobs, optionally narrowed by status or tags.
func (h *Handler) ListJobs(c *gin.Context) {
	opts := queue.ListOptions{Limit: 50}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if v := c.Query("cursor"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.Cursor = &n
		}
	}

	var result *queue.ListResult
	var err error

	switch {
	case c.Query("status") != "":
		result, err = h.q.GetJobsByStatus(c.Request.Context(), queue.JobStatus(c.Query("status")), opts)
	case len(c.QueryArray("tag")) > 0:
		mode := queue.TagQueryMode(c.DefaultQuery("tag_mode", string(queue.TagModeAny)))
		result, err = h.q.GetJobsByTags(c.Request.Context(), c.QueryArray("tag"), mode, opts)
	default:
		result, err = h.q.GetAllJobs(c.Request.Context(), opts)
	}

	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "list_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetJob returns a single job by id.
func (h *Handler) GetJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	job, err := h.q.GetJob(c.Request.Context(), id)
	if err != nil {
		h.respondJobErr(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// EditJob applies a partial edit to a pending job.
func (h *Handler) EditJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req EditJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	job, err := h.q.EditJob(c.Request.Context(), id, queue.EditJobOptions{
		Payload:     req.Payload,
		Priority:    req.Priority,
		RunAt:       req.RunAt,
		MaxAttempts: req.MaxAttempts,
		TimeoutMs:   req.TimeoutMs,
		Tags:        req.Tags,
	})
	if err != nil {
		h.respondJobErr(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// RetryJob resets a failed job back to pending for immediate reattempt.
func (h *Handler) RetryJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.q.RetryJob(c.Request.Context(), id); err != nil {
		h.respondJobErr(c, err)
		return
	}

	job, err := h.q.GetJob(c.Request.Context(), id)
	if err != nil {
		h.respondJobErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob cancels a pending job.
func (h *Handler) CancelJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.q.CancelJob(c.Request.Context(), id); err != nil {
		h.respondJobErr(c, err)
		return
	}

	job, err := h.q.GetJob(c.Request.Context(), id)
	if err != nil {
		h.respondJobErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJobEvents returns the audit trail recorded against a job.
func (h *Handler) GetJobEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	opts := queue.ListOptions{Limit: 100}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			opts.Limit = n
		}
	}

	events, err := h.q.GetJobEvents(c.Request.Context(), id, opts)
	if err != nil {
		h.respondJobErr(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}

// =============================================================================
// TOKEN (WAITPOINT) HANDLERS
// =============================================================================

// CreateToken creates a standalone waitpoint an external system can
// later complete.
func (h *Handler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	wp, err := h.q.CreateToken(c.Request.Context(), queue.CreateTokenOptions{
		Timeout: req.Timeout,
		Tags:    req.Tags,
	})
	if err != nil {
		h.logger.Error("failed to create token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "create_token_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, wp)
}

// GetToken returns a waitpoint by id.
func (h *Handler) GetToken(c *gin.Context) {
	id := c.Param("id")
	wp, err := h.q.GetToken(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrWaitpointNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "get_token_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, wp)
}

// CompleteToken resolves a waitpoint, waking any job blocked on it.
func (h *Handler) CompleteToken(c *gin.Context) {
	id := c.Param("id")

	var req CompleteTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	if err := h.q.CompleteToken(c.Request.Context(), id, req.Data); err != nil {
		if errors.Is(err, queue.ErrWaitpointNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "complete_token_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// =============================================================================
// CRON HANDLERS
// =============================================================================

// AddCronJob registers a new recurring schedule.
func (h *Handler) AddCronJob(c *gin.Context) {
	var req AddCronJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	sched, err := h.q.AddCronJob(c.Request.Context(), queue.CronScheduleOptions{
		ScheduleName:       req.ScheduleName,
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		JobType:            req.JobType,
		Payload:            req.Payload,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		TimeoutMs:          req.TimeoutMs,
		ForceKillOnTimeout: req.ForceKillOnTimeout,
		Tags:               req.Tags,
		AllowOverlap:       req.AllowOverlap,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidCron) || errors.Is(err, queue.ErrDuplicateSchedule) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_schedule", Message: err.Error()})
			return
		}
		h.logger.Error("failed to add cron job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "add_cron_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, sched)
}

// ListCronJobs returns all registered schedules.
func (h *Handler) ListCronJobs(c *gin.Context) {
	scheds, err := h.q.ListCronJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "list_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, scheds)
}

// EditCronJob replaces a schedule's definition, recomputing its next run
// time if the expression or timezone changed.
func (h *Handler) EditCronJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req EditCronJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	sched, err := h.q.EditCronJob(c.Request.Context(), id, queue.CronScheduleOptions{
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		Payload:            req.Payload,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		TimeoutMs:          req.TimeoutMs,
		ForceKillOnTimeout: req.ForceKillOnTimeout,
		Tags:               req.Tags,
		AllowOverlap:       req.AllowOverlap,
	})
	if err != nil {
		if errors.Is(err, queue.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
			return
		}
		if errors.Is(err, queue.ErrInvalidCron) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_schedule", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "edit_cron_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, sched)
}

// PauseCronJob stops a schedule from enqueueing further jobs.
func (h *Handler) PauseCronJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.q.PauseCronJob(c.Request.Context(), id); err != nil {
		h.respondScheduleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeCronJob resumes a paused schedule.
func (h *Handler) ResumeCronJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.q.ResumeCronJob(c.Request.Context(), id); err != nil {
		h.respondScheduleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// RemoveCronJob deletes a schedule.
func (h *Handler) RemoveCronJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.q.RemoveCronJob(c.Request.Context(), id); err != nil {
		h.respondScheduleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseID(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) respondJobErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, queue.ErrNotPending), errors.Is(err, queue.ErrNotTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "invalid_state", Message: err.Error()})
	default:
		h.logger.Error("job operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
}

func (h *Handler) respondScheduleErr(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrScheduleNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		return
	}
	h.logger.Error("cron operation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
}
