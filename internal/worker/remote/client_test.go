package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/worker"
)

func testSettings() config.Settings {
	s := config.Default()
	s.RetryBaseBackoff = time.Millisecond
	return s
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Settings: testSettings(), HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func dispatch(n int) *worker.Dispatch {
	return &worker.Dispatch{RunID: "run_1", TrialID: worker.TrialName(n), ScheduleIdx: n}
}

func seq(n int64) *int64 { return &n }

func TestSubmit_RetriesRetryableStatusThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, SubmitResponse{
			SchemaVersion: SchemaSubmit,
			Ticket:        worker.Ticket{WorkerID: "w1", TicketID: "t1", TrialID: "trial_0"},
		})
	})
	c, _ := newTestClient(t, mux)

	ticket, err := c.Submit(context.Background(), dispatch(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ticket.TicketID != "t1" {
		t.Fatalf("ticket = %+v", ticket)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmit_RetryExhaustionSurfacesAttemptCount(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), dispatch(0))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Fatalf("error = %v", err)
	}
}

func TestSubmit_FatalStatusDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad dispatch", http.StatusBadRequest)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), dispatch(0))
	if err == nil || !strings.Contains(err.Error(), "unexpected status 400") {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("fatal status retried %d times", calls.Load())
	}
}

func TestSubmit_SchemaMismatchIsFatal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, SubmitResponse{
			SchemaVersion: "remote_worker_submit_v999",
			Ticket:        worker.Ticket{WorkerID: "w1", TicketID: "t1"},
		})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), dispatch(0))
	if err == nil || !strings.Contains(err.Error(), "schema_version mismatch") {
		t.Fatalf("error = %v", err)
	}
}

func TestSubmit_CapacityTranslatesToBackpressure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "capacity_full", http.StatusTooManyRequests)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), dispatch(0))
	if !worker.IsCapacity(err) {
		t.Fatalf("expected capacity backpressure, got %v", err)
	}
}

func TestSubmit_EmptyTicketQuarantines(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, SubmitResponse{SchemaVersion: SchemaSubmit, Ticket: worker.Ticket{}})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), dispatch(0))
	if !worker.IsProtocolFault(err) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	if q, _ := c.Quarantined(); !q {
		t.Fatalf("backend not quarantined")
	}
	// Quarantine is sticky: subsequent operations fail without a request.
	if _, err := c.PollCompletions(context.Background(), time.Millisecond); err == nil {
		t.Fatalf("expected quarantine error from poll")
	}
}

// harness serves submit plus a scripted sequence of poll responses.
type harness struct {
	mux   *http.ServeMux
	polls chan []worker.Completion
}

func newHarness(t *testing.T) (*Client, *harness) {
	t.Helper()
	h := &harness{mux: http.NewServeMux(), polls: make(chan []worker.Completion, 16)}
	var tickets atomic.Int32
	h.mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		n := tickets.Add(1)
		writeJSON(w, SubmitResponse{
			SchemaVersion: SchemaSubmit,
			Ticket: worker.Ticket{
				WorkerID: "w1",
				TicketID: "ticket-" + string(rune('a'+n-1)),
				TrialID:  req.Dispatch.TrialID,
			},
		})
	})
	h.mux.HandleFunc(PathPoll, func(w http.ResponseWriter, r *http.Request) {
		select {
		case cs := <-h.polls:
			writeJSON(w, PollResponse{SchemaVersion: SchemaPoll, Completions: cs})
		default:
			writeJSON(w, PollResponse{SchemaVersion: SchemaPoll})
		}
	})
	c, _ := newTestClient(t, h.mux)
	return c, h
}

func TestPoll_DuplicateCompletionDroppedOnceFaultOnConflict(t *testing.T) {
	t.Parallel()

	c, h := newHarness(t)
	ctx := context.Background()
	ticket, err := c.Submit(ctx, dispatch(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	completion := worker.Completion{
		Ticket:         ticket,
		ScheduleIdx:    0,
		CompletionSeq:  seq(7),
		Classification: worker.ClassTrialExecutionResult,
		Result:         &worker.ExecutionResult{TrialID: "trial_0", SlotStatus: worker.SlotStatusCompleted},
	}
	// Same completion delivered twice: exactly one surfaces.
	h.polls <- []worker.Completion{completion}
	h.polls <- []worker.Completion{completion}

	first, err := c.PollCompletions(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("poll 1 returned %d completions", len(first))
	}
	second, err := c.PollCompletions(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate surfaced: %+v", second)
	}

	// A different completion_seq for the completed ticket is a protocol
	// fault and quarantines the backend.
	conflict := completion
	conflict.CompletionSeq = seq(8)
	h.polls <- []worker.Completion{conflict}
	_, err = c.PollCompletions(ctx, time.Millisecond)
	if !worker.IsProtocolFault(err) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	if q, _ := c.Quarantined(); !q {
		t.Fatalf("backend not quarantined after conflicting redelivery")
	}
}

func TestPoll_UnknownTicketFaults(t *testing.T) {
	t.Parallel()

	c, h := newHarness(t)
	h.polls <- []worker.Completion{{
		Ticket:         worker.Ticket{WorkerID: "w1", TicketID: "ghost", TrialID: "trial_9"},
		ScheduleIdx:    9,
		Classification: worker.ClassTrialExecutionResult,
	}}
	_, err := c.PollCompletions(context.Background(), time.Millisecond)
	if !worker.IsProtocolFault(err) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
}

func TestRequestPause_ValidatesAck(t *testing.T) {
	t.Parallel()

	var ackTrial atomic.Value
	ackTrial.Store("trial_0")
	mux := http.NewServeMux()
	mux.HandleFunc(PathSubmit, func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, SubmitResponse{
			SchemaVersion: SchemaSubmit,
			Ticket:        worker.Ticket{WorkerID: "w1", TicketID: "t-" + req.Dispatch.TrialID, TrialID: req.Dispatch.TrialID},
		})
	})
	mux.HandleFunc(PathPause, func(w http.ResponseWriter, r *http.Request) {
		var req PauseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, PauseResponse{
			SchemaVersion: SchemaPause,
			Ack: worker.PauseAck{
				Accepted: true,
				WorkerID: req.WorkerID,
				Label:    req.Label,
				TrialID:  ackTrial.Load().(string),
			},
		})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	if _, err := c.RequestPause(ctx, "w1", "ckpt"); err == nil {
		t.Fatalf("expected error for worker with no live tickets")
	}
	if _, err := c.Submit(ctx, dispatch(0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ack, err := c.RequestPause(ctx, "w1", "ckpt")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !ack.Accepted || ack.TrialID != "trial_0" {
		t.Fatalf("ack = %+v", ack)
	}

	// Ack naming a trial outside the worker's live set is a protocol fault.
	ackTrial.Store("trial_999")
	_, err = c.RequestPause(ctx, "w1", "ckpt")
	if !worker.IsProtocolFault(err) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	t.Parallel()

	base := 20 * time.Millisecond
	if got := backoff(base, 1); got != base {
		t.Fatalf("attempt 1 backoff = %v", got)
	}
	if got := backoff(base, 4); got != 8*base {
		t.Fatalf("attempt 4 backoff = %v", got)
	}
	if got := backoff(base, 40); got != base<<8 {
		t.Fatalf("backoff not capped at 2^8: %v", got)
	}
}

func TestClassification_TransientPatterns(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{
		"dial tcp: i/o timeout",
		"read: connection reset by peer",
		"connect: connection refused",
		"write: broken pipe",
		"service temporarily unavailable",
	} {
		if !isTransientMessage(msg) {
			t.Fatalf("%q should classify as transient", msg)
		}
	}
	if isTransientMessage("no such host entry") {
		t.Fatalf("unrelated message classified transient")
	}
}
