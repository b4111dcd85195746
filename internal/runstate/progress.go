package runstate

import (
	"path/filepath"

	"github.com/nishiokj/agentlab/internal/plan"
)

const scheduleProgressFile = "schedule_progress.json"

// Slot terminal statuses recorded in completed_slots.
const (
	SlotCompleted     = "completed"
	SlotFailed        = "failed"
	SlotSkippedPruned = "skipped_pruned"
)

// CompletedSlot is one committed schedule entry, in commit order (which
// equals schedule order).
type CompletedSlot struct {
	ScheduleIndex int    `json:"schedule_index"`
	TrialID       string `json:"trial_id"`
	VariantIdx    int    `json:"variant_idx"`
	TaskIdx       int    `json:"task_idx"`
	ReplIdx       int    `json:"repl_idx"`
	Status        string `json:"status"`
	CommitKey     string `json:"commit_key"`
	CommittedAt   string `json:"committed_at"`
}

// ScheduleProgress is the crash-safe progress checkpoint. next_schedule_index
// always equals the length of the contiguous committed prefix.
type ScheduleProgress struct {
	TotalSlots          int             `json:"total_slots"`
	NextScheduleIndex   int             `json:"next_schedule_index"`
	NextTrialIndex      int             `json:"next_trial_index"`
	CompletedSlots      []CompletedSlot `json:"completed_slots"`
	PrunedVariants      []int           `json:"pruned_variants"`
	ConsecutiveFailures map[int]int     `json:"consecutive_failures"`
	ScheduleDigest      string          `json:"schedule_digest,omitempty"`
	Schedule            plan.Schedule   `json:"schedule"`
}

// NewScheduleProgress seals a fresh schedule into a progress document.
func NewScheduleProgress(schedule plan.Schedule) (*ScheduleProgress, error) {
	d, err := schedule.Digest()
	if err != nil {
		return nil, err
	}
	return &ScheduleProgress{
		TotalSlots:          len(schedule),
		CompletedSlots:      []CompletedSlot{},
		PrunedVariants:      []int{},
		ConsecutiveFailures: map[int]int{},
		ScheduleDigest:      d,
		Schedule:            schedule,
	}, nil
}

// IsPruned reports whether the variant index has been pruned.
func (p *ScheduleProgress) IsPruned(variantIdx int) bool {
	for _, v := range p.PrunedVariants {
		if v == variantIdx {
			return true
		}
	}
	return false
}

// MarkPruned records a pruned variant (idempotent).
func (p *ScheduleProgress) MarkPruned(variantIdx int) {
	if p.IsPruned(variantIdx) {
		return
	}
	p.PrunedVariants = append(p.PrunedVariants, variantIdx)
}

func ScheduleProgressPath(runDir string) string {
	return filepath.Join(runDir, RuntimeDir, scheduleProgressFile)
}

// SaveScheduleProgress atomically replaces the checkpoint. The committer
// calls this only after the fact sink flushed.
func SaveScheduleProgress(runDir string, p *ScheduleProgress) error {
	return WriteJSONAtomic(ScheduleProgressPath(runDir), p)
}

func LoadScheduleProgress(runDir string) (*ScheduleProgress, error) {
	var p ScheduleProgress
	if err := ReadJSON(ScheduleProgressPath(runDir), &p); err != nil {
		return nil, err
	}
	if p.ConsecutiveFailures == nil {
		p.ConsecutiveFailures = map[int]int{}
	}
	if p.CompletedSlots == nil {
		p.CompletedSlots = []CompletedSlot{}
	}
	if p.PrunedVariants == nil {
		p.PrunedVariants = []int{}
	}
	return &p, nil
}
