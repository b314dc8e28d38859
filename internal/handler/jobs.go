package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unitylab/clipforge/internal/domain"
	"github.com/unitylab/clipforge/internal/notify"
	"github.com/unitylab/clipforge/internal/service"
)

// JobsHandler exposes the scheduler over HTTP.
type JobsHandler struct {
	scheduler *service.Scheduler
	broker    *notify.Broker
}

// NewJobsHandler creates a new JobsHandler. The broker powers the SSE
// stream; a nil broker disables it.
func NewJobsHandler(scheduler *service.Scheduler, broker *notify.Broker) *JobsHandler {
	return &JobsHandler{scheduler: scheduler, broker: broker}
}

type submitJobRequest struct {
	OrgID          string `json:"org_id" validate:"required"`
	SourceURL      string `json:"source_url" validate:"required,url"`
	InputMinutes   int    `json:"input_minutes" validate:"required,min=1"`
	Plan           string `json:"plan" validate:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

type jobResponse struct {
	JobID      string          `json:"job_id"`
	State      domain.JobState `json:"state"`
	Lane       string          `json:"lane"`
	ETASeconds *int            `json:"eta_seconds"`
	Timeline   []timelineItem  `json:"timeline,omitempty"`
}

type timelineItem struct {
	State  domain.JobState `json:"state"`
	Detail json.RawMessage `json:"detail,omitempty"`
	At     string          `json:"at"`
}

func toJobResponse(job *domain.Job, timeline []domain.JobEvent) jobResponse {
	resp := jobResponse{
		JobID:      job.ID,
		State:      job.State,
		Lane:       domain.LaneLabel(job.Lane),
		ETASeconds: job.ETASeconds,
	}
	for _, ev := range timeline {
		resp.Timeline = append(resp.Timeline, timelineItem{
			State:  ev.State,
			Detail: ev.Detail,
			At:     ev.At.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return resp
}

// Submit handles POST /v1/jobs.
func (h *JobsHandler) Submit(c echo.Context) error {
	var req submitJobRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	job, err := h.scheduler.Submit(c.Request().Context(), service.SubmitInput{
		OrgID:          req.OrgID,
		SourceURL:      req.SourceURL,
		InputMinutes:   req.InputMinutes,
		PlanID:         req.Plan,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, toJobResponse(job, nil))
}

// Get handles GET /v1/jobs/:id.
func (h *JobsHandler) Get(c echo.Context) error {
	detail, err := h.scheduler.Job(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, toJobResponse(&detail.Job, detail.Timeline))
}

type transitionRequest struct {
	State  string          `json:"state" validate:"required"`
	Detail json.RawMessage `json:"detail"`
}

// Transition handles POST /v1/jobs/:id/transition.
func (h *JobsHandler) Transition(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	job, err := h.scheduler.Transition(c.Request().Context(), c.Param("id"), domain.JobState(req.State), req.Detail)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, toJobResponse(job, nil))
}

// Queue handles GET /v1/queue.
func (h *JobsHandler) Queue(c echo.Context) error {
	status, err := h.scheduler.QueueStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, status)
}

// Stream handles GET /v1/jobs/:id/stream as Server-Sent Events. The first
// event carries the current state; subsequent events are pushed from the
// broker instead of polling the store, and the stream ends at a terminal
// state.
func (h *JobsHandler) Stream(c echo.Context) error {
	jobID := c.Param("id")
	detail, err := h.scheduler.Job(c.Request().Context(), jobID)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(state domain.JobState, eta *int) error {
		payload, err := json.Marshal(map[string]any{
			"job_id":      jobID,
			"state":       state,
			"eta_seconds": eta,
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := writeEvent(detail.Job.State, detail.Job.ETASeconds); err != nil {
		return err
	}
	if detail.Job.State.IsTerminal() || h.broker == nil {
		return nil
	}

	events, cancel := h.broker.Subscribe(jobID)
	defer cancel()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ev.State, ev.ETASeconds); err != nil {
				return err
			}
			if ev.State.IsTerminal() {
				return nil
			}
		}
	}
}
