package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeml/orchestrator/cmd/orchestrator/internal/response"
	"github.com/forgeml/orchestrator/internal/perf"
	"github.com/forgeml/orchestrator/internal/types"
)

type clusterStatusResponse struct {
	Jobs    types.StatusCounts  `json:"jobs"`
	Devices []types.DeviceState `json:"devices"`
	Window  perf.WindowStats    `json:"window"`
	Scaling []perf.ScalingPoint `json:"scaling,omitempty"`
}

func (h *Handler) ClusterStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ClusterStatus")
	defer span.End()

	counts, err := h.orch.Counts(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to count jobs")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, clusterStatusResponse{
		Jobs:    counts,
		Devices: h.orch.Devices(),
		Window:  h.perf.WindowStats(),
		Scaling: h.perf.ScalingSnapshot(),
	})
}
