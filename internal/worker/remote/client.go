package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/worker"
)

// ErrQuarantined wraps the sticky quarantine state. Once a protocol fault is
// observed, every subsequent operation fails with it.
var ErrQuarantined = errors.New("remote backend quarantined")

type Options struct {
	BaseURL   string
	AuthToken string
	Settings  config.Settings
	Logger    *zap.Logger

	// HTTPClient overrides the transport; tests use httptest clients.
	HTTPClient *http.Client
}

// Client implements worker.Backend over the remote worker HTTP protocol.
type Client struct {
	base     string
	token    string
	settings config.Settings
	logger   *zap.Logger
	http     *http.Client

	mu               sync.Mutex
	reg              *registry
	quarantineReason string
}

// New builds the protocol client. The connect timeout applies at the dialer;
// per-operation timeouts are applied per request.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote worker address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:       (&net.Dialer{Timeout: opts.Settings.ConnectTimeout}).DialContext,
				ForceAttemptHTTP2: true,
			},
		}
	}
	return &Client{
		base:     base,
		token:    strings.TrimSpace(opts.AuthToken),
		settings: opts.Settings,
		logger:   logger.Named("remote-backend"),
		http:     httpClient,
		reg:      newRegistry(),
	}, nil
}

// quarantine records the first protocol fault; it is sticky for the life of
// the client.
func (c *Client) quarantine(reason string) {
	if c.quarantineReason == "" {
		c.quarantineReason = reason
		c.logger.Error("remote backend quarantined", zap.String("reason", reason))
	}
}

func (c *Client) checkQuarantineLocked() error {
	if c.quarantineReason != "" {
		return errors.Wrap(ErrQuarantined, c.quarantineReason)
	}
	return nil
}

// Quarantined reports the sticky fault reason, if any.
func (c *Client) Quarantined() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantineReason != "", c.quarantineReason
}

// post runs one schema-checked request/response exchange with retry. Fatal
// outcomes (decode errors, schema mismatches, non-retryable statuses)
// surface immediately; retryable outcomes back off exponentially until
// max_attempts.
func (c *Client) post(ctx context.Context, path string, timeout time.Duration, reqBody any, wantSchema string, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	maxAttempts := c.settings.RetryMaxAttempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(ctx, path, timeout, payload, wantSchema, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < maxAttempts {
			delay := backoff(c.settings.RetryBaseBackoff, attempt)
			c.logger.Debug("retrying remote request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(lastErr, "%s request failed after %d attempts", path, maxAttempts)
}

// errCapacityStatus marks a submit-side 429 capacity_full rejection so the
// submit path can translate it to worker.ErrCapacity.
var errCapacityStatus = errors.New("remote worker at capacity")

func (c *Client) attempt(ctx context.Context, path string, timeout time.Duration, payload []byte, wantSchema string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connect/request/timeout transport errors are retryable.
		return retryablef("transport error: %v", err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return retryablef("read response: %v", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := truncateBody(string(body))
		if resp.StatusCode == http.StatusTooManyRequests && strings.Contains(excerpt, capacityBody) {
			return errCapacityStatus
		}
		if isRetryableStatus(resp.StatusCode) || isTransientMessage(excerpt) {
			return retryablef("status %d: %s", resp.StatusCode, excerpt)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, excerpt)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	gotSchema := extractSchemaVersion(body)
	if gotSchema != wantSchema {
		return fmt.Errorf("%s schema_version mismatch: got %q, want %q", path, gotSchema, wantSchema)
	}
	return nil
}

func extractSchemaVersion(body []byte) string {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.SchemaVersion
}

// Submit posts the dispatch and registers the returned ticket. Bad tickets
// quarantine the backend.
func (c *Client) Submit(ctx context.Context, d *worker.Dispatch) (worker.Ticket, error) {
	c.mu.Lock()
	if err := c.checkQuarantineLocked(); err != nil {
		c.mu.Unlock()
		return worker.Ticket{}, err
	}
	c.mu.Unlock()

	var resp SubmitResponse
	err := c.post(ctx, PathSubmit, c.settings.SubmitTimeout,
		SubmitRequest{SchemaVersion: SchemaSubmit, Dispatch: d}, SchemaSubmit, &resp)
	if err != nil {
		if errors.Is(err, errCapacityStatus) {
			return worker.Ticket{}, worker.ErrCapacity
		}
		return worker.Ticket{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkQuarantineLocked(); err != nil {
		return worker.Ticket{}, err
	}
	if err := c.reg.record(resp.Ticket, d); err != nil {
		c.quarantine(err.Error())
		return worker.Ticket{}, err
	}
	return resp.Ticket, nil
}

// PollCompletions requests completions, validating and deduplicating each
// against the ticket registry.
func (c *Client) PollCompletions(ctx context.Context, timeout time.Duration) ([]worker.Completion, error) {
	c.mu.Lock()
	if err := c.checkQuarantineLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	var resp PollResponse
	err := c.post(ctx, PathPoll, timeout+c.settings.PollTimeoutGrace,
		PollRequest{SchemaVersion: SchemaPoll, TimeoutMs: timeout.Milliseconds()}, SchemaPoll, &resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkQuarantineLocked(); err != nil {
		return nil, err
	}
	out := make([]worker.Completion, 0, len(resp.Completions))
	for i := range resp.Completions {
		comp := resp.Completions[i]
		deliver, err := c.reg.observe(&comp)
		if err != nil {
			c.quarantine(err.Error())
			return nil, err
		}
		if !deliver {
			c.logger.Debug("dropped duplicate completion",
				zap.String("ticket_id", comp.Ticket.TicketID),
				zap.Int64("completion_seq", comp.Seq()))
			continue
		}
		out = append(out, comp)
	}
	return out, nil
}

// RequestPause pauses a live worker and validates the ack against the
// worker's live trial set.
func (c *Client) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	c.mu.Lock()
	if err := c.checkQuarantineLocked(); err != nil {
		c.mu.Unlock()
		return worker.PauseAck{}, err
	}
	if !c.reg.workerLive(workerID) {
		c.mu.Unlock()
		return worker.PauseAck{}, fmt.Errorf("pause requested for unknown worker %s", workerID)
	}
	c.mu.Unlock()

	var resp PauseResponse
	err := c.post(ctx, PathPause, c.settings.PauseTimeout,
		PauseRequest{SchemaVersion: SchemaPause, WorkerID: workerID, Label: label}, SchemaPause, &resp)
	if err != nil {
		return worker.PauseAck{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ack := resp.Ack
	switch {
	case ack.WorkerID != workerID:
		err = worker.Faultf("pause ack names worker %s, requested %s", ack.WorkerID, workerID)
	case ack.Label != label:
		err = worker.Faultf("pause ack label %q does not match requested %q", ack.Label, label)
	case ack.TrialID != "" && !c.reg.workerOwnsTrial(workerID, ack.TrialID):
		err = worker.Faultf("pause ack trial %s is not live on worker %s", ack.TrialID, workerID)
	}
	if err != nil {
		c.quarantine(err.Error())
		return worker.PauseAck{}, err
	}
	return ack, nil
}

// RequestStop stops a live worker.
func (c *Client) RequestStop(ctx context.Context, workerID, reason string) error {
	c.mu.Lock()
	if err := c.checkQuarantineLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.reg.workerLive(workerID) {
		c.mu.Unlock()
		return fmt.Errorf("stop requested for unknown worker %s", workerID)
	}
	c.mu.Unlock()

	var resp StopResponse
	err := c.post(ctx, PathStop, c.settings.StopTimeout,
		StopRequest{SchemaVersion: SchemaStop, WorkerID: workerID, Reason: reason}, SchemaStop, &resp)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("remote worker rejected stop for %s", workerID)
	}
	return nil
}

// InFlight returns the number of live tickets in the registry.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.liveCount()
}
