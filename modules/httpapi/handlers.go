// Package httpapi exposes a small read-only Fiber surface over the
// registry (SPEC_FULL.md §4.8): GET /api/v1/jobs, GET /api/v1/jobs/:id,
// GET /health.
// It mirrors the teacher's modules/api (handlers.go/service.go/module.go
// split, toJobResponse-style explicit response structs), trimmed to a
// read-only surface since job submission in this codebase is a Go API
// (threadrunner.Submit/procrunner.Submit), not HTTP.
package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/registry"
)

// Handler serves job state from a Registry.
type Handler struct {
	reg *registry.Registry
}

func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

// JobResponse is the wire shape for a single job record.
type JobResponse struct {
	JobID      string   `json:"job_id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Progress   float64  `json:"progress"`
	Message    string   `json:"message,omitempty"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Error      string   `json:"error,omitempty"`
	Logs       []string `json:"logs"`
	Rerunnable bool     `json:"rerunnable"`
	Cancelable bool     `json:"cancelable"`
}

// ErrorResponse is the response body for any failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RegisterRoutes wires this handler's routes onto app.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/api/v1")
	v1.Get("/jobs", h.ListJobs)
	v1.Get("/jobs/:id", h.GetJob)
	app.Get("/health", h.Health)
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *Handler) GetJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "job id is required",
		})
	}

	rec := h.reg.Get(id)
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "job not found",
		})
	}
	return c.JSON(toJobResponse(rec))
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(c *fiber.Ctx) error {
	recs := h.reg.List()
	resp := make([]*JobResponse, len(recs))
	for i, rec := range recs {
		resp[i] = toJobResponse(rec)
	}
	return c.JSON(fiber.Map{
		"jobs":  resp,
		"count": len(resp),
	})
}

// Health handles GET /health.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "jobcore",
	})
}

func toJobResponse(rec *job.Record) *JobResponse {
	resp := &JobResponse{
		JobID:      rec.JobID,
		Name:       rec.Name,
		Status:     string(rec.Status),
		Progress:   rec.Progress,
		Message:    rec.Message,
		StartedAt:  rec.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Error:      rec.Error,
		Logs:       rec.Logs,
		Rerunnable: rec.Rerun != nil,
		Cancelable: rec.Cancel != nil,
	}
	if rec.FinishedAt != nil {
		resp.FinishedAt = rec.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}
