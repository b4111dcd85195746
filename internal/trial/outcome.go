package trial

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Trial outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Failure classifications recorded on failed slots.
const (
	FailAgent            = "agent_failure"
	FailAdapter          = "adapter_error"
	FailGradingViolation = "grading_policy_violation"
	FailTimeout          = "timeout"
	FailMissingEvidence  = "missing_evidence"
)

// CanonicalResult is the adapter-materialized result document.
type CanonicalResult struct {
	Status  string                     `json:"status"`
	Outcome string                     `json:"outcome"`
	Metrics map[string]json.RawMessage `json:"metrics,omitempty"`
}

// ScoreRecord is a benchmark grader verdict.
type ScoreRecord struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
	Error string          `json:"error,omitempty"`
}

// loadCanonicalResult reads out/result.json; a missing or malformed file
// yields an error-outcome result carrying the adapter status code, so the
// trial still commits deterministically.
func loadCanonicalResult(l *Layout, statusCode string) *CanonicalResult {
	raw, err := os.ReadFile(l.ResultPath())
	if err != nil {
		return &CanonicalResult{Status: statusCode, Outcome: OutcomeError}
	}
	var res CanonicalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &CanonicalResult{Status: statusCode, Outcome: OutcomeError}
	}
	if res.Status == "" {
		res.Status = statusCode
	}
	return &res
}

// loadScoreRecord parses the grader output. The error return distinguishes a
// grading failure (missing record, grader error) from a clean verdict.
func loadScoreRecord(l *Layout) (*ScoreRecord, error) {
	raw, err := os.ReadFile(filepath.Join(l.Out, ScoreFile))
	if err != nil {
		return nil, errors.Wrap(err, "score record missing")
	}
	var rec ScoreRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "malformed score record")
	}
	if rec.Error != "" {
		return nil, errors.Errorf("grader failed: %s", rec.Error)
	}
	if len(rec.Value) == 0 {
		return nil, errors.New("score record has no value")
	}
	return &rec, nil
}

// Verdict is the derived trial outcome plus the primary metric.
type Verdict struct {
	SlotStatus            string
	FailureClassification string
	StatusCode            string
	Outcome               string
	PrimaryMetricName     string
	PrimaryMetricValue    json.RawMessage
}

// deriveVerdict applies the trial boundary contract: exit 0 with a non-error
// outcome and a clean grade is completed; grading errors override the
// adapter exit; everything else fails with a classification. The primary
// metric prefers the benchmark verdict, then the objective metric, then a
// success 0/1 fallback.
func deriveVerdict(res *CanonicalResult, statusCode string, score *ScoreRecord, gradeErr error, gradingEnabled bool) Verdict {
	v := Verdict{StatusCode: statusCode, Outcome: res.Outcome}

	if gradingEnabled && gradeErr != nil {
		v.SlotStatus = "failed"
		v.FailureClassification = FailGradingViolation
		v.StatusCode = ExitGradingViolation
	} else if statusCode == ExitSuccess && res.Outcome != OutcomeError {
		v.SlotStatus = "completed"
	} else {
		v.SlotStatus = "failed"
		if statusCode == "timeout" {
			v.FailureClassification = FailTimeout
		} else {
			v.FailureClassification = FailAgent
		}
	}

	switch {
	case gradingEnabled && gradeErr == nil && score != nil:
		v.PrimaryMetricName = score.Name
		if v.PrimaryMetricName == "" {
			v.PrimaryMetricName = "verdict"
		}
		v.PrimaryMetricValue = score.Value
	case res.Metrics["objective"] != nil:
		v.PrimaryMetricName = "objective"
		v.PrimaryMetricValue = res.Metrics["objective"]
	default:
		v.PrimaryMetricName = "success"
		if v.SlotStatus == "completed" {
			v.PrimaryMetricValue = json.RawMessage("1.0")
		} else {
			v.PrimaryMetricValue = json.RawMessage("0.0")
		}
	}
	return v
}

// shouldRetry applies the per-trial retry policy. An empty retry_on list
// means "retry on any non-success"; otherwise triggers match the failure
// classification or the exit code.
func shouldRetry(v Verdict, attempt, maxAttempts int, retryOn []string) bool {
	if v.SlotStatus == "completed" {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if len(retryOn) == 0 {
		return true
	}
	for _, trigger := range retryOn {
		if trigger == v.FailureClassification || trigger == v.StatusCode || trigger == v.Outcome {
			return true
		}
	}
	return false
}
