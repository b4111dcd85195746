package plan

import "fmt"

// Slot is one (variant, task, replication) assignment in the frozen schedule.
type Slot struct {
	VariantIdx int `json:"variant_idx"`
	TaskIdx    int `json:"task_idx"`
	ReplIdx    int `json:"repl_idx"`
}

// Schedule is the frozen, ordered sequence of trial slots. It is sealed at run
// creation; continue-run recomputes it and compares element-wise.
type Schedule []Slot

// LCG parameters for the randomized policy. Pinned so the shuffle is
// bit-for-bit reproducible across implementations.
const (
	lcgMultiplier uint64 = 6364136223846793005
	lcgIncrement  uint64 = 1442695040888963407
)

type lcg struct{ state uint64 }

func (r *lcg) next() uint64 {
	r.state = r.state*lcgMultiplier + lcgIncrement
	return r.state
}

// BuildSchedule produces the frozen schedule for the given shape. It contains
// exactly variantCount*taskCount*replications slots, each (v,t,r) triple
// appearing exactly once.
func BuildSchedule(policy string, variantCount, taskCount, replications int, seed uint64) (Schedule, error) {
	if variantCount < 1 || taskCount < 1 || replications < 1 {
		return nil, fmt.Errorf("schedule shape must be positive, got (%d,%d,%d)", variantCount, taskCount, replications)
	}
	total := variantCount * taskCount * replications
	out := make(Schedule, 0, total)
	switch policy {
	case PolicyVariantSequential:
		for v := 0; v < variantCount; v++ {
			for t := 0; t < taskCount; t++ {
				for r := 0; r < replications; r++ {
					out = append(out, Slot{VariantIdx: v, TaskIdx: t, ReplIdx: r})
				}
			}
		}
	case PolicyPairedInterleaved:
		for t := 0; t < taskCount; t++ {
			for v := 0; v < variantCount; v++ {
				for r := 0; r < replications; r++ {
					out = append(out, Slot{VariantIdx: v, TaskIdx: t, ReplIdx: r})
				}
			}
		}
	case PolicyRandomized:
		base, err := BuildSchedule(PolicyVariantSequential, variantCount, taskCount, replications, seed)
		if err != nil {
			return nil, err
		}
		out = base
		shuffle(out, seed)
	default:
		return nil, fmt.Errorf("unknown schedule policy %q", policy)
	}
	return out, nil
}

// shuffle is a deterministic Fisher-Yates pass driven by the pinned LCG.
func shuffle(s Schedule, seed uint64) {
	rng := lcg{state: seed}
	for i := len(s) - 1; i > 0; i-- {
		j := rng.next() % uint64(i+1)
		s[i], s[j] = s[j], s[i]
	}
}

// Digest seals the schedule.
func (s Schedule) Digest() (string, error) {
	return DigestOf(s)
}

// Equal reports element-wise equality; continue-run asserts this against the
// persisted schedule before re-entering the main loop.
func (s Schedule) Equal(other Schedule) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
