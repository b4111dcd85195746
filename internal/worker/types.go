// Package worker defines the backend contract the run coordinator dispatches
// through: submit, poll-completions, pause, stop. Two implementations exist —
// the in-process local backend and the remote HTTP protocol client.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/sink"
)

// Completion classifications. Anything other than ClassTrialExecutionResult
// is a worker-lost signal for the slot.
const (
	ClassTrialExecutionResult = "trial_execution_result"
	ClassLocalWorkerError     = "local_worker_error"
	ClassWorkerLost           = "worker_lost"
)

// Slot statuses inside an execution result.
const (
	SlotStatusCompleted = "completed"
	SlotStatusFailed    = "failed"
)

// Dispatch is one schedule slot handed to a backend, carrying everything a
// worker needs to execute the trial. (run_id, schedule_idx) is unique across
// the run.
type Dispatch struct {
	RunID       string    `json:"run_id"`
	TrialID     string    `json:"trial_id"`
	ScheduleIdx int       `json:"schedule_idx"`
	Slot        plan.Slot `json:"slot"`

	VariantID string `json:"variant_id"`
	TaskID    string `json:"task_id"`
	ReplIdx   int    `json:"repl_idx"`

	Variant plan.Variant  `json:"variant"`
	Task    plan.TaskSpec `json:"task"`

	RuntimeProfile json.RawMessage  `json:"runtime_profile,omitempty"`
	Policy         plan.TrialPolicy `json:"policy"`
}

// TrialName formats the monotonically increasing trial id.
func TrialName(n int) string {
	return fmt.Sprintf("trial_%d", n)
}

// Ticket is the backend-issued opaque handle for one accepted dispatch. A
// ticket id never repeats; a worker id is live only while at least one ticket
// references it.
type Ticket struct {
	WorkerID string `json:"worker_id"`
	TicketID string `json:"ticket_id"`
	TrialID  string `json:"trial_id"`
}

// ExecutionResult is the envelope the trial executor emits and the committer
// consumes. All writes are deferred through it so commits are atomic with
// respect to schedule advance.
type ExecutionResult struct {
	TrialID               string `json:"trial_id"`
	SlotStatus            string `json:"slot_status"`
	VariantIdx            int    `json:"variant_idx"`
	FailureClassification string `json:"failure_classification,omitempty"`

	Facts      sink.DeferredRows `json:"facts"`
	Evidence   []json.RawMessage `json:"evidence,omitempty"`
	ChainState []json.RawMessage `json:"chain_state,omitempty"`
	Benchmark  []json.RawMessage `json:"benchmark,omitempty"`
}

// WorkerLostResult synthesizes a failed result for a slot whose completion
// did not carry an executor payload.
func WorkerLostResult(trialID string, variantIdx int) *ExecutionResult {
	return &ExecutionResult{
		TrialID:               trialID,
		SlotStatus:            SlotStatusFailed,
		VariantIdx:            variantIdx,
		FailureClassification: ClassWorkerLost,
	}
}

// Completion is the backend-delivered result for one ticket.
type Completion struct {
	Ticket      Ticket `json:"ticket"`
	ScheduleIdx int    `json:"schedule_idx"`

	// CompletionSeq disambiguates redeliveries; absent is treated as 0 for
	// dedup-key purposes.
	CompletionSeq *int64 `json:"completion_seq,omitempty"`

	TerminalStatus string `json:"terminal_status,omitempty"`
	Classification string `json:"classification"`

	Artifacts      map[string]string  `json:"artifacts,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	RuntimeSummary json.RawMessage    `json:"runtime_summary,omitempty"`

	// Result is present iff Classification == ClassTrialExecutionResult.
	Result *ExecutionResult `json:"result,omitempty"`
}

// Seq returns the effective completion sequence (0 when absent).
func (c *Completion) Seq() int64 {
	if c.CompletionSeq == nil {
		return 0
	}
	return *c.CompletionSeq
}

// PauseAck is a backend's answer to a pause request.
type PauseAck struct {
	Accepted bool   `json:"accepted"`
	WorkerID string `json:"worker_id"`
	Label    string `json:"label,omitempty"`
	TrialID  string `json:"trial_id,omitempty"`
}
