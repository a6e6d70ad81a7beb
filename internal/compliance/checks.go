package compliance

import (
	"context"
	"fmt"

	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/types"
)

// DefaultRegistry holds the production policy set
func DefaultRegistry() *Registry {
	return NewRegistry(
		ScoreGate{K: types.CheckContentSafety},
		DetectionCheck{K: types.CheckFaceDetection, Remediation: "blur"},
		DetectionCheck{K: types.CheckHarmfulContent, Remediation: "mask"},
		ScoreGate{K: types.CheckOutputQuality},
		ScoreGate{K: types.CheckWatermark},
	)
}

// RegistryForKinds narrows the production set to the configured kinds. An
// unknown kind is a configuration error, not an empty registry.
func RegistryForKinds(kinds []types.CheckKind) (*Registry, error) {
	defaults := DefaultRegistry()

	checks := make([]Check, 0, len(kinds))
	for _, k := range kinds {
		c, ok := defaults.checks[k]
		if !ok {
			return nil, joberrors.InvalidConfigurationError{
				Field:  "compliance.checks",
				Reason: fmt.Sprintf("unknown check kind %q", k),
			}
		}
		checks = append(checks, c)
	}
	return NewRegistry(checks...), nil
}

// ScoreGate passes when the pipeline-reported score meets the threshold.
// Used for checks where a higher score means a better output.
type ScoreGate struct {
	K types.CheckKind
}

var _ Check = ScoreGate{}

func (c ScoreGate) Kind() types.CheckKind {
	return c.K
}

func (c ScoreGate) Run(
	_ context.Context,
	output *types.JobOutput,
	threshold float64,
) (types.ComplianceResult, error) {
	score, ok := output.Scores[c.K]
	if !ok {
		return types.ComplianceResult{}, fmt.Errorf("no score reported for %s", c.K)
	}

	return types.ComplianceResult{
		Kind:   c.K,
		Passed: score >= threshold,
		Score:  score,
	}, nil
}

// DetectionCheck fails when the detector score reaches the threshold, then
// remediates the output in place. A remediated detection counts as clean.
type DetectionCheck struct {
	K           types.CheckKind
	Remediation string
}

var _ Check = DetectionCheck{}

func (c DetectionCheck) Kind() types.CheckKind {
	return c.K
}

func (c DetectionCheck) Run(
	_ context.Context,
	output *types.JobOutput,
	threshold float64,
) (types.ComplianceResult, error) {
	score, ok := output.Scores[c.K]
	if !ok {
		return types.ComplianceResult{}, fmt.Errorf("no score reported for %s", c.K)
	}

	if score < threshold {
		return types.ComplianceResult{
			Kind:   c.K,
			Passed: true,
			Score:  score,
		}, nil
	}

	if c.Remediation == "" {
		return types.ComplianceResult{
			Kind:   c.K,
			Passed: false,
			Score:  score,
			Detail: fmt.Sprintf("detection at %.3f, no remediation available", score),
		}, nil
	}

	return types.ComplianceResult{
		Kind:               c.K,
		Passed:             false,
		Score:              score,
		RemediationApplied: true,
		Detail:             fmt.Sprintf("detection at %.3f, applied %s", score, c.Remediation),
	}, nil
}
