package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

// MaterializedSource is one accepted collector as handed to the subscription side.
type MaterializedSource struct {
	Key        string          `json:"key"`
	Title      string          `json:"title"`
	URL        string          `json:"url"`
	Script     string          `json:"script"`
	Schedule   string          `json:"schedule"`
	Verified   bool            `json:"verified"`
	Provenance jobs.Provenance `json:"provenance"`
	Advisories []string        `json:"advisories,omitempty"`
}

type MaterializeRequest struct {
	JobID          uuid.UUID            `json:"job_id"`
	SubscriptionID uuid.UUID            `json:"subscription_id"`
	OwnerUserID    uuid.UUID            `json:"owner_user_id"`
	Topic          string               `json:"topic"`
	Sources        []MaterializedSource `json:"sources"`
}

func NewMaterializeRequest(job *jobs.BuildJob, accepted []jobs.GenerationResult) MaterializeRequest {
	req := MaterializeRequest{
		JobID:          job.ID,
		SubscriptionID: job.SubscriptionID,
		OwnerUserID:    job.OwnerUserID,
		Topic:          job.Topic,
		Sources:        make([]MaterializedSource, 0, len(accepted)),
	}
	for _, r := range accepted {
		sched := r.Schedule
		if sched == "" {
			sched = jobs.DefaultSchedule
		}
		req.Sources = append(req.Sources, MaterializedSource{
			Key:        r.Key,
			Title:      r.Resource.Title,
			URL:        r.Resource.URL,
			Script:     r.Script,
			Schedule:   sched,
			Verified:   r.Outcome == jobs.OutcomeSuccess,
			Provenance: r.Provenance,
			Advisories: r.Advisories,
		})
	}
	return req
}

// HTTPMaterializer posts the accepted collectors to the subscription service,
// which turns them into an active subscription.
type HTTPMaterializer struct {
	endpoint string
	http     *http.Client
	log      *logger.Logger
}

func NewHTTPMaterializer(endpoint string, client *http.Client, baseLog *logger.Logger) *HTTPMaterializer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPMaterializer{
		endpoint: strings.TrimSpace(endpoint),
		http:     client,
		log:      baseLog.With("component", "HTTPMaterializer"),
	}
}

func (m *HTTPMaterializer) Materialize(ctx context.Context, job *jobs.BuildJob, accepted []jobs.GenerationResult) error {
	body, err := json.Marshal(NewMaterializeRequest(job, accepted))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("materialize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	m.log.Info("Materialized sources", "job_id", job.ID, "count", len(accepted))
	return nil
}

// LogMaterializer only records what would have been handed off.
type LogMaterializer struct {
	log *logger.Logger
}

func NewLogMaterializer(baseLog *logger.Logger) *LogMaterializer {
	return &LogMaterializer{log: baseLog.With("component", "LogMaterializer")}
}

func (m *LogMaterializer) Materialize(ctx context.Context, job *jobs.BuildJob, accepted []jobs.GenerationResult) error {
	req := NewMaterializeRequest(job, accepted)
	for _, s := range req.Sources {
		m.log.Info("Source ready",
			"job_id", job.ID,
			"subscription_id", job.SubscriptionID,
			"url", s.URL,
			"schedule", s.Schedule,
			"verified", s.Verified,
		)
	}
	return nil
}
