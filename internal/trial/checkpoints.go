package trial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const checkpointsFile = "checkpoints.json"

// Checkpoint is one materializable starting point a trial exposed.
type Checkpoint struct {
	Name     string `json:"name"`
	Step     int    `json:"step"`
	EventSeq int    `json:"event_seq,omitempty"`
	Path     string `json:"path,omitempty"`
}

type checkpointListing struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// LoadCheckpoints reads the checkpoint listing from a trial's out directory.
func LoadCheckpoints(trialOutDir string) ([]Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(trialOutDir, checkpointsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read checkpoints")
	}
	var listing checkpointListing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, errors.Wrap(err, "decode checkpoints")
	}
	return listing.Checkpoints, nil
}

// Selector prefixes.
const (
	SelectorCheckpoint = "checkpoint:"
	SelectorStep       = "step:"
	SelectorEventSeq   = "event_seq:"
)

// LatestCheckpoint picks the checkpoint with the highest step, falling back
// to the last listed entry.
func LatestCheckpoint(cps []Checkpoint) (Checkpoint, bool) {
	if len(cps) == 0 {
		return Checkpoint{}, false
	}
	best := cps[len(cps)-1]
	bestStep := -1
	for _, cp := range cps {
		if cp.Step > bestStep {
			best = cp
			bestStep = cp.Step
		}
	}
	return best, true
}

// ResolveSelector maps checkpoint:<name> | step:<n> | event_seq:<n> onto the
// trial's checkpoint listing. For step/event_seq the checkpoint with the
// largest step (or event seq) <= n wins.
func ResolveSelector(selector string, cps []Checkpoint) (Checkpoint, error) {
	switch {
	case strings.HasPrefix(selector, SelectorCheckpoint):
		name := strings.TrimPrefix(selector, SelectorCheckpoint)
		for _, cp := range cps {
			if cp.Name == name {
				return cp, nil
			}
		}
		return Checkpoint{}, fmt.Errorf("checkpoint %q not found", name)
	case strings.HasPrefix(selector, SelectorStep):
		n, err := strconv.Atoi(strings.TrimPrefix(selector, SelectorStep))
		if err != nil {
			return Checkpoint{}, fmt.Errorf("malformed step selector %q", selector)
		}
		return largestAtMost(cps, n, func(cp Checkpoint) int { return cp.Step })
	case strings.HasPrefix(selector, SelectorEventSeq):
		n, err := strconv.Atoi(strings.TrimPrefix(selector, SelectorEventSeq))
		if err != nil {
			return Checkpoint{}, fmt.Errorf("malformed event_seq selector %q", selector)
		}
		return largestAtMost(cps, n, func(cp Checkpoint) int { return cp.EventSeq })
	default:
		return Checkpoint{}, fmt.Errorf("unknown selector %q", selector)
	}
}

func largestAtMost(cps []Checkpoint, n int, key func(Checkpoint) int) (Checkpoint, error) {
	var best *Checkpoint
	for i := range cps {
		k := key(cps[i])
		if k > n {
			continue
		}
		if best == nil || k > key(*best) {
			best = &cps[i]
		}
	}
	if best == nil {
		return Checkpoint{}, fmt.Errorf("no checkpoint at or before %d", n)
	}
	return *best, nil
}
