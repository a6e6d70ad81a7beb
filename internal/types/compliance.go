package types

type CheckKind string

const (
	CheckContentSafety  CheckKind = "CONTENT_SAFETY"
	CheckFaceDetection  CheckKind = "FACE_DETECTION"
	CheckHarmfulContent CheckKind = "HARMFUL_CONTENT"
	CheckOutputQuality  CheckKind = "OUTPUT_QUALITY"
	CheckWatermark      CheckKind = "WATERMARK"
)

// Check families that must be passed or remediated regardless of the
// aggregate result before a job may complete.
func (k CheckKind) MustRemediate() bool {
	return k == CheckFaceDetection || k == CheckHarmfulContent
}

type CheckSpec struct {
	Kind      CheckKind `json:"check_type" validate:"required"`
	Threshold float64   `json:"threshold"`
}

// Outcome of one named check against a job's output
type ComplianceResult struct {
	Kind               CheckKind `json:"check_type"`
	Passed             bool      `json:"passed"`
	Score              float64   `json:"score"`
	RemediationApplied bool      `json:"remediation_applied"`
	Detail             string    `json:"detail,omitempty"`
}

// A result is clean when the check passed or the output was corrected in place
func (r ComplianceResult) Clean() bool {
	return r.Passed || r.RemediationApplied
}
