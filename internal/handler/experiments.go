package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unitylab/clipforge/internal/domain"
	"github.com/unitylab/clipforge/internal/service"
)

// ExperimentsHandler exposes the experiment engine over HTTP.
type ExperimentsHandler struct {
	experiments *service.Experiments
}

// NewExperimentsHandler creates a new ExperimentsHandler.
func NewExperimentsHandler(experiments *service.Experiments) *ExperimentsHandler {
	return &ExperimentsHandler{experiments: experiments}
}

type variantRequest struct {
	HookText    string  `json:"hook_text" validate:"required"`
	CaptionText string  `json:"caption_text" validate:"required"`
	StylePreset *string `json:"style_preset"`
}

type createExperimentRequest struct {
	JobID             string           `json:"job_id" validate:"required"`
	Name              string           `json:"name" validate:"required"`
	Platform          string           `json:"platform" validate:"required,oneof=tiktok shorts reels x"`
	TargetMetric      string           `json:"target_metric" validate:"omitempty,oneof=CTR Watch3s Watch30s"`
	MinImpressions    int64            `json:"min_impressions" validate:"omitempty,min=1"`
	MinRuntimeSeconds int64            `json:"min_runtime_seconds" validate:"omitempty,min=1"`
	PriorAlpha        float64          `json:"prior_alpha" validate:"omitempty,gt=0"`
	PriorBeta         float64          `json:"prior_beta" validate:"omitempty,gt=0"`
	Variants          []variantRequest `json:"variants" validate:"required,min=2,dive"`
}

// Create handles POST /v1/experiments.
func (h *ExperimentsHandler) Create(c echo.Context) error {
	var req createExperimentRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.TargetMetric == "" {
		req.TargetMetric = string(domain.MetricCTR)
	}

	variants := make([]service.VariantInput, len(req.Variants))
	for i, v := range req.Variants {
		variants[i] = service.VariantInput{
			HookText:    v.HookText,
			CaptionText: v.CaptionText,
			StylePreset: v.StylePreset,
		}
	}

	detail, err := h.experiments.Create(c.Request().Context(), service.CreateExperimentInput{
		JobID:             req.JobID,
		Name:              req.Name,
		Platform:          req.Platform,
		TargetMetric:      domain.TargetMetric(req.TargetMetric),
		MinImpressions:    req.MinImpressions,
		MinRuntimeSeconds: req.MinRuntimeSeconds,
		PriorAlpha:        req.PriorAlpha,
		PriorBeta:         req.PriorBeta,
		Variants:          variants,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, detail)
}

// Get handles GET /v1/experiments/:id.
func (h *ExperimentsHandler) Get(c echo.Context) error {
	detail, err := h.experiments.Experiment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, detail)
}

type metricsItemRequest struct {
	VariantID        string `json:"variant_id" validate:"required"`
	ImpressionsDelta int64  `json:"impressions_delta" validate:"min=0"`
	ClicksDelta      int64  `json:"clicks_delta" validate:"min=0"`
	Watch3sDelta     int64  `json:"watch3s_delta" validate:"min=0"`
	Watch30sDelta    int64  `json:"watch30s_delta" validate:"min=0"`
}

type ingestMetricsRequest struct {
	Items []metricsItemRequest `json:"items" validate:"required,min=1,dive"`
}

// IngestMetrics handles POST /v1/experiments/:id/metrics.
func (h *ExperimentsHandler) IngestMetrics(c echo.Context) error {
	var req ingestMetricsRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	items := make([]domain.MetricsDelta, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.MetricsDelta{
			VariantID:        item.VariantID,
			ImpressionsDelta: item.ImpressionsDelta,
			ClicksDelta:      item.ClicksDelta,
			Watch3sDelta:     item.Watch3sDelta,
			Watch30sDelta:    item.Watch30sDelta,
		}
	}
	if err := h.experiments.IngestMetrics(c.Request().Context(), c.Param("id"), items); err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// Decide handles POST /v1/experiments/:id/decide.
func (h *ExperimentsHandler) Decide(c echo.Context) error {
	decision, err := h.experiments.Decide(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, decision)
}
