package workerserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
	"github.com/nishiokj/agentlab/internal/worker/remote"
)

func newPair(t *testing.T, token string, exec worker.Executor) *remote.Client {
	t.Helper()
	backend := local.New(local.Config{MaxInFlight: 4, Settings: config.Default()}, exec)
	srv := httptest.NewServer(New(Config{AuthToken: token}, backend).Handler())
	t.Cleanup(srv.Close)
	settings := config.Default()
	settings.RetryBaseBackoff = time.Millisecond
	client, err := remote.New(remote.Options{
		BaseURL:    srv.URL,
		AuthToken:  token,
		Settings:   settings,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func echoExecutor(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
	return &worker.ExecutionResult{
		TrialID:    d.TrialID,
		SlotStatus: worker.SlotStatusCompleted,
		VariantIdx: d.Slot.VariantIdx,
	}
}

func TestRoundTrip_SubmitPollThroughHTTP(t *testing.T) {
	t.Parallel()

	client := newPair(t, "secret", echoExecutor)
	ctx := context.Background()

	ticket, err := client.Submit(ctx, &worker.Dispatch{RunID: "run_1", TrialID: "trial_0", ScheduleIdx: 0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ticket.TrialID != "trial_0" {
		t.Fatalf("ticket = %+v", ticket)
	}

	deadline := time.Now().Add(5 * time.Second)
	var completions []worker.Completion
	for len(completions) == 0 && time.Now().Before(deadline) {
		cs, err := client.PollCompletions(ctx, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		completions = append(completions, cs...)
	}
	if len(completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(completions))
	}
	c := completions[0]
	if c.Classification != worker.ClassTrialExecutionResult || c.Result == nil || c.Result.TrialID != "trial_0" {
		t.Fatalf("completion = %+v", c)
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	t.Parallel()

	backend := local.New(local.Config{MaxInFlight: 1, Settings: config.Default()}, echoExecutor)
	srv := httptest.NewServer(New(Config{AuthToken: "right"}, backend).Handler())
	t.Cleanup(srv.Close)

	settings := config.Default()
	settings.RetryBaseBackoff = time.Millisecond
	client, err := remote.New(remote.Options{
		BaseURL:    srv.URL,
		AuthToken:  "wrong",
		Settings:   settings,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Submit(context.Background(), &worker.Dispatch{TrialID: "trial_0"}); err == nil {
		t.Fatalf("expected auth failure")
	}
}

func TestCapacity_SurfacesAsBackpressure(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		time.Sleep(time.Second)
		return echoExecutor(ctx, d)
	}
	backend := local.New(local.Config{MaxInFlight: 1, Settings: config.Default()}, slow)
	srv := httptest.NewServer(New(Config{}, backend).Handler())
	t.Cleanup(srv.Close)

	settings := config.Default()
	settings.RetryBaseBackoff = time.Millisecond
	client, err := remote.New(remote.Options{BaseURL: srv.URL, Settings: settings, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	if _, err := client.Submit(ctx, &worker.Dispatch{RunID: "r", TrialID: "trial_0", ScheduleIdx: 0}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = client.Submit(ctx, &worker.Dispatch{RunID: "r", TrialID: "trial_1", ScheduleIdx: 1})
	if !worker.IsCapacity(err) {
		t.Fatalf("expected capacity backpressure, got %v", err)
	}
}

func TestPauseStop_ThroughProtocol(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		time.Sleep(time.Second)
		return echoExecutor(ctx, d)
	}
	client := newPair(t, "", slow)
	ctx := context.Background()

	ticket, err := client.Submit(ctx, &worker.Dispatch{RunID: "r", TrialID: "trial_0", ScheduleIdx: 0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ack, err := client.RequestPause(ctx, ticket.WorkerID, "ckpt-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !ack.Accepted || ack.WorkerID != ticket.WorkerID || ack.Label != "ckpt-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if err := client.RequestStop(ctx, ticket.WorkerID, "shutdown"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
