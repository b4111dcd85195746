package remote

import (
	"strings"

	"github.com/nishiokj/agentlab/internal/worker"
)

// submission is the record kept while a ticket is live.
type submission struct {
	RunID       string
	TrialID     string
	ScheduleIdx int
	WorkerID    string
}

// dedupKey identifies one delivered completion. A redelivery with an
// identical key is dropped; a different key for a completed ticket is a
// protocol fault.
type dedupKey struct {
	RunID         string
	ScheduleIdx   int
	TrialID       string
	WorkerID      string
	CompletionSeq int64
}

// registry tracks tickets issued by the remote peer. The client is the sole
// mutator.
type registry struct {
	live      map[string]submission        // ticket id -> live submission
	byWorker  map[string]map[string]string // worker id -> ticket id -> trial id
	completed map[string]dedupKey          // ticket id -> delivered completion key
	issued    map[string]struct{}          // every ticket id ever accepted
}

func newRegistry() *registry {
	return &registry{
		live:      map[string]submission{},
		byWorker:  map[string]map[string]string{},
		completed: map[string]dedupKey{},
		issued:    map[string]struct{}{},
	}
}

// record registers a fresh submission. Empty or reused ids are protocol
// faults.
func (r *registry) record(t worker.Ticket, d *worker.Dispatch) error {
	if strings.TrimSpace(t.TicketID) == "" {
		return worker.Faultf("remote submit returned an empty ticket id")
	}
	if strings.TrimSpace(t.WorkerID) == "" {
		return worker.Faultf("remote submit returned an empty worker id for ticket %s", t.TicketID)
	}
	if _, seen := r.issued[t.TicketID]; seen {
		return worker.Faultf("remote submit reused ticket id %s", t.TicketID)
	}
	r.issued[t.TicketID] = struct{}{}
	r.live[t.TicketID] = submission{
		RunID:       d.RunID,
		TrialID:     d.TrialID,
		ScheduleIdx: d.ScheduleIdx,
		WorkerID:    t.WorkerID,
	}
	tickets := r.byWorker[t.WorkerID]
	if tickets == nil {
		tickets = map[string]string{}
		r.byWorker[t.WorkerID] = tickets
	}
	tickets[t.TicketID] = d.TrialID
	return nil
}

// observe validates one delivered completion. deliver=false with nil error
// means a silent duplicate drop.
func (r *registry) observe(c *worker.Completion) (deliver bool, err error) {
	id := c.Ticket.TicketID
	if sub, ok := r.live[id]; ok {
		if c.Ticket.WorkerID != sub.WorkerID {
			return false, worker.Faultf("completion for ticket %s reports worker %s, submitted to %s", id, c.Ticket.WorkerID, sub.WorkerID)
		}
		if c.Ticket.TrialID != sub.TrialID {
			return false, worker.Faultf("completion for ticket %s reports trial %s, submitted %s", id, c.Ticket.TrialID, sub.TrialID)
		}
		if c.ScheduleIdx != sub.ScheduleIdx {
			return false, worker.Faultf("completion for ticket %s reports schedule_idx %d, submitted %d", id, c.ScheduleIdx, sub.ScheduleIdx)
		}
		r.completed[id] = dedupKey{
			RunID:         sub.RunID,
			ScheduleIdx:   sub.ScheduleIdx,
			TrialID:       sub.TrialID,
			WorkerID:      sub.WorkerID,
			CompletionSeq: c.Seq(),
		}
		delete(r.live, id)
		if tickets := r.byWorker[sub.WorkerID]; tickets != nil {
			delete(tickets, id)
			if len(tickets) == 0 {
				delete(r.byWorker, sub.WorkerID)
			}
		}
		return true, nil
	}
	if prev, ok := r.completed[id]; ok {
		key := dedupKey{
			RunID:         prev.RunID,
			ScheduleIdx:   c.ScheduleIdx,
			TrialID:       c.Ticket.TrialID,
			WorkerID:      c.Ticket.WorkerID,
			CompletionSeq: c.Seq(),
		}
		if key == prev {
			return false, nil
		}
		return false, worker.Faultf("conflicting redelivery for completed ticket %s", id)
	}
	return false, worker.Faultf("completion for unknown ticket %s", id)
}

// workerLive reports whether at least one live ticket references workerID.
func (r *registry) workerLive(workerID string) bool {
	return len(r.byWorker[workerID]) > 0
}

// workerOwnsTrial reports whether trialID is in the worker's live set.
func (r *registry) workerOwnsTrial(workerID, trialID string) bool {
	for _, t := range r.byWorker[workerID] {
		if t == trialID {
			return true
		}
	}
	return false
}

// liveCount returns the number of outstanding tickets.
func (r *registry) liveCount() int {
	return len(r.live)
}
