package v1

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/forgeml/orchestrator/internal/archive"
	"github.com/forgeml/orchestrator/internal/orchestrator"
	"github.com/forgeml/orchestrator/internal/perf"
)

const name = "github.com/forgeml/orchestrator/cmd/orchestrator/internal/routes/v1"

var tracer = otel.Tracer(name)

type Handler struct {
	orch     *orchestrator.Orchestrator
	perf     *perf.Aggregator
	uploader archive.Uploader
}

type HandlerOption func(*Handler)

// WithUploader lets job status responses carry a presigned download link
// for the archived output.
func WithUploader(u archive.Uploader) HandlerOption {
	return func(h *Handler) {
		h.uploader = u
	}
}

func NewHandler(
	orch *orchestrator.Orchestrator,
	aggregator *perf.Aggregator,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{orch: orch, perf: aggregator}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) AddRoutes(e *echo.Echo) {
	group := e.Group("/v1")

	group.POST("/jobs/", h.SubmitJob)
	group.GET("/jobs/:job_id/", h.JobStatus)
	group.DELETE("/jobs/:job_id/", h.CancelJob)
	group.GET("/status/", h.ClusterStatus)
}
