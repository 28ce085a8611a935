package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/http/response"
	"github.com/yungbote/feedforge-backend/internal/platform/apierr"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
	"github.com/yungbote/feedforge-backend/internal/services"
)

const maxEventPage = 500

type SourceJobHandler struct {
	log  *logger.Logger
	jobs services.SourceJobService
	hub  *realtime.SSEHub
}

func NewSourceJobHandler(log *logger.Logger, jobs services.SourceJobService, hub *realtime.SSEHub) *SourceJobHandler {
	return &SourceJobHandler{log: log.With("handler", "SourceJobHandler"), jobs: jobs, hub: hub}
}

type createSourceJobRequest struct {
	SubscriptionID uuid.UUID                 `json:"subscription_id"`
	OwnerUserID    uuid.UUID                 `json:"owner_user_id"`
	Topic          string                    `json:"topic"`
	Criteria       string                    `json:"criteria"`
	Resources      []jobs.DiscoveredResource `json:"resources"`
	Selected       []string                  `json:"selected"`
	Start          *bool                     `json:"start"`
}

type runSourceJobRequest struct {
	StartPhase jobs.Phase                `json:"start_phase"`
	Resources  []jobs.DiscoveredResource `json:"resources"`
	Selected   []string                  `json:"selected"`
	Results    []jobs.GenerationResult   `json:"results"`
}

type resourceRequest struct {
	URL  string `json:"url"`
	Hint string `json:"hint"`
}

// POST /api/source-jobs
func (h *SourceJobHandler) Create(c *gin.Context) {
	var req createSourceJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	in := services.CreateSourceJobInput{
		SubscriptionID: req.SubscriptionID,
		OwnerUserID:    req.OwnerUserID,
		Topic:          req.Topic,
		Criteria:       req.Criteria,
		Start:          req.Start == nil || *req.Start,
	}
	if len(req.Resources) > 0 || len(req.Selected) > 0 {
		in.Payload = &jobs.RunPayload{Resources: req.Resources, Selected: req.Selected}
	}
	job, err := h.jobs.Create(c.Request.Context(), in)
	if err != nil {
		respondServiceError(c, err, "create_job_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// GET /api/source-jobs?subscription_id=
func (h *SourceJobHandler) List(c *gin.Context) {
	subID, err := uuid.Parse(strings.TrimSpace(c.Query("subscription_id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_subscription_id", err)
		return
	}
	list, err := h.jobs.ListBySubscription(c.Request.Context(), subID)
	if err != nil {
		respondServiceError(c, err, "list_jobs_failed")
		return
	}
	response.RespondOK(c, gin.H{"jobs": list})
}

// GET /api/source-jobs/:id
func (h *SourceJobHandler) Get(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	status, err := h.jobs.Status(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err, "load_job_failed")
		return
	}
	response.RespondOK(c, status)
}

// POST /api/source-jobs/:id/run
func (h *SourceJobHandler) Run(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	var req runSourceJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	var payload *jobs.RunPayload
	if len(req.Resources) > 0 || len(req.Selected) > 0 || len(req.Results) > 0 {
		payload = &jobs.RunPayload{Resources: req.Resources, Selected: req.Selected, Results: req.Results}
	}
	job, err := h.jobs.Run(c.Request.Context(), jobID, req.StartPhase, payload)
	if err != nil {
		respondServiceError(c, err, "run_job_failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// POST /api/source-jobs/:id/abort
func (h *SourceJobHandler) Abort(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	var req resourceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_url", err)
		return
	}
	aborted, err := h.jobs.Abort(c.Request.Context(), jobID, req.URL)
	if err != nil {
		respondServiceError(c, err, "abort_failed")
		return
	}
	response.RespondOK(c, gin.H{"aborted": aborted})
}

// POST /api/source-jobs/:id/abort-all
func (h *SourceJobHandler) AbortAll(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	n, err := h.jobs.AbortAll(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err, "abort_failed")
		return
	}
	response.RespondOK(c, gin.H{"aborted": n})
}

// POST /api/source-jobs/:id/retry
func (h *SourceJobHandler) Retry(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	var req resourceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_url", err)
		return
	}
	if err := h.jobs.Retry(c.Request.Context(), jobID, req.URL, req.Hint); err != nil {
		respondServiceError(c, err, "retry_failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"retrying": req.URL})
}

// POST /api/source-jobs/:id/discard
func (h *SourceJobHandler) Discard(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.jobs.Discard(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err, "discard_failed")
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/source-jobs/:id/takeover
func (h *SourceJobHandler) Takeover(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.jobs.Takeover(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err, "takeover_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// DELETE /api/source-jobs/:id
func (h *SourceJobHandler) Delete(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	if err := h.jobs.Delete(c.Request.Context(), jobID); err != nil {
		respondServiceError(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/source-jobs/:id/events?after=&phase=&resource=&limit=
func (h *SourceJobHandler) Events(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	filter, err := eventFilter(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_filter", err)
		return
	}
	events, err := h.jobs.Events(c.Request.Context(), jobID, filter)
	if err != nil {
		respondServiceError(c, err, "load_events_failed")
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}

// GET /api/source-jobs/:id/usage
func (h *SourceJobHandler) Usage(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	if _, err := h.jobs.Get(c.Request.Context(), jobID); err != nil {
		respondServiceError(c, err, "load_job_failed")
		return
	}
	response.RespondOK(c, gin.H{"usage": h.jobs.Usage(jobID)})
}

/*
GET /api/source-jobs/:id/stream

The client is subscribed before the log is read, so frames broadcast while the
backlog loads are either in the backlog or delivered live. The hub drops live
frames already covered by the backlog. Last-Event-ID resumes after a reconnect.
*/
func (h *SourceJobHandler) Stream(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	if h.hub == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "stream_unavailable", errors.New("realtime disabled"))
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err, "load_job_failed")
		return
	}

	client := h.hub.NewSSEClient(job.OwnerUserID)
	defer h.hub.CloseClient(client)
	channel := realtime.JobChannel(jobID)
	h.hub.AddChannel(client, channel)

	var after int64
	if raw := strings.TrimSpace(c.GetHeader("Last-Event-ID")); raw != "" {
		after, _ = strconv.ParseInt(raw, 10, 64)
	}
	events, err := h.jobs.Events(c.Request.Context(), jobID, jobs.EventFilter{AfterID: after})
	if err != nil {
		respondServiceError(c, err, "load_events_failed")
		return
	}
	backlog := make([]realtime.SSEMessage, 0, len(events))
	for _, ev := range events {
		backlog = append(backlog, realtime.SSEMessage{ID: ev.ID, Channel: channel, Event: realtime.SSEEventJobEvent, Data: ev})
	}
	h.log.Debug("stream open", "job_id", jobID, "backlog", len(backlog))
	h.hub.ServeHTTP(c.Writer, c.Request, client, backlog...)
}

func jobIDParam(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return jobID, true
}

func eventFilter(c *gin.Context) (jobs.EventFilter, error) {
	f := jobs.EventFilter{
		Phase: jobs.Phase(strings.TrimSpace(c.Query("phase"))),
		Level: jobs.EventLevel(strings.TrimSpace(c.Query("level"))),
		Kind:  jobs.EventKind(strings.TrimSpace(c.Query("kind"))),
	}
	if res, ok := c.GetQuery("resource"); ok {
		f.ResourceKey = &res
	}
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return f, errors.New("after must be a non-negative integer")
		}
		f.AfterID = n
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = min(n, maxEventPage)
	}
	return f, nil
}

func respondServiceError(c *gin.Context, err error, fallback string) {
	response.RespondAPIError(c, serviceError(err, fallback))
}

func serviceError(err error, fallback string) *apierr.Error {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		return apierr.NotFound("job_not_found", err)
	case errors.Is(err, services.ErrUnknownResource):
		return apierr.NotFound("resource_not_found", err)
	case errors.Is(err, services.ErrInvalidRequest):
		return apierr.BadRequest("invalid_request", err)
	case errors.Is(err, services.ErrActiveJobExists):
		return apierr.Conflict("active_job_exists", err)
	case errors.Is(err, services.ErrJobRunning):
		return apierr.Conflict("job_running", err)
	case errors.Is(err, services.ErrJobNotRunning):
		return apierr.Conflict("job_not_running", err)
	case errors.Is(err, services.ErrJobFinished):
		return apierr.Conflict("job_finished", err)
	case errors.Is(err, services.ErrTakenOver):
		return apierr.Conflict("job_taken_over", err)
	case errors.Is(err, services.ErrGenerationClosed):
		return apierr.Conflict("generation_closed", err)
	}
	return apierr.As(err, fallback)
}
