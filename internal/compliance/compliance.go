// Package compliance applies output policy checks after execution and before
// a job may complete. The registry is closed: a job naming a check kind that
// was never registered is misconfigured, not a silent pass.
package compliance

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/compliance")

// A single policy check. Run returns the outcome for one output; it should
// remediate in place where the policy allows it and report that it did.
type Check interface {
	Kind() types.CheckKind
	Run(ctx context.Context, output *types.JobOutput, threshold float64) (types.ComplianceResult, error)
}

type Registry struct {
	checks map[types.CheckKind]Check
}

func NewRegistry(checks ...Check) *Registry {
	r := &Registry{checks: map[types.CheckKind]Check{}}
	for _, c := range checks {
		r.checks[c.Kind()] = c
	}
	return r
}

// Validate rejects specs naming kinds the registry does not hold. Run at
// submission time so a bad spec never reaches execution.
func (r *Registry) Validate(specs []types.CheckSpec) error {
	for _, s := range specs {
		if _, ok := r.checks[s.Kind]; !ok {
			return joberrors.InvalidConfigurationError{
				Field:  "compliance_checks",
				Reason: fmt.Sprintf("unknown check kind %q", s.Kind),
			}
		}
	}
	return nil
}

type Evaluator struct {
	registry *Registry
}

func NewEvaluator(registry *Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// Evaluate runs every configured check against the output. A check that
// errors or panics is recorded as a failed result for its kind; it never
// aborts the sweep and never counts as a pass.
//
// The returned error is a ComplianceViolationError when any result is
// neither passed nor remediated, nil otherwise. Results are returned in
// both cases.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	output *types.JobOutput,
	specs []types.CheckSpec,
) ([]types.ComplianceResult, error) {
	ctx, span := tracer.Start(ctx, "Evaluate", trace.WithAttributes(
		attribute.Int("check.count", len(specs)),
	))
	defer span.End()

	if err := e.registry.Validate(specs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spec names unregistered check")
		return nil, err
	}

	results := make([]types.ComplianceResult, 0, len(specs))
	for _, s := range specs {
		results = append(results, e.runOne(ctx, e.registry.checks[s.Kind], output, s.Threshold))
	}

	for _, r := range results {
		if !r.Clean() {
			err := joberrors.ComplianceViolationError{Results: results}
			span.RecordError(err)
			span.SetStatus(codes.Error, "output violates policy")
			return results, err
		}
	}

	span.SetStatus(codes.Ok, "output clean")
	return results, nil
}

// UnresolvedDetections reports the detection-family kinds whose results are
// neither passed nor remediated. Callers gate completion on an empty return,
// independent of the aggregate evaluation verdict.
func UnresolvedDetections(results []types.ComplianceResult) []types.CheckKind {
	var kinds []types.CheckKind
	for _, r := range results {
		if r.Kind.MustRemediate() && !r.Clean() {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

func (e *Evaluator) runOne(
	ctx context.Context,
	check Check,
	output *types.JobOutput,
	threshold float64,
) (result types.ComplianceResult) {
	ctx, span := tracer.Start(ctx, "runOne", trace.WithAttributes(
		attribute.String("check.kind", string(check.Kind())),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Logger.ErrorContext(
				ctx,
				"check panicked",
				"kind",
				check.Kind(),
				"panic",
				r,
			)
			result = types.ComplianceResult{
				Kind:   check.Kind(),
				Passed: false,
				Detail: fmt.Sprintf("check panicked: %v", r),
			}
			span.SetStatus(codes.Error, "check panicked")
		}
	}()

	result, err := check.Run(ctx, output, threshold)
	if err != nil {
		logger.Logger.WarnContext(ctx, "check errored", "kind", check.Kind(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "check errored")
		return types.ComplianceResult{
			Kind:   check.Kind(),
			Passed: false,
			Detail: err.Error(),
		}
	}

	result.Kind = check.Kind()
	span.SetStatus(codes.Ok, "check finished")
	return result
}
