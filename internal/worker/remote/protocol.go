// Package remote implements the HTTP protocol client for a remote worker
// peer: four POST endpoints with schema-versioned JSON envelopes, retry
// classification with exponential backoff, a ticket registry with completion
// dedup, and sticky protocol-fault quarantine.
package remote

import "github.com/nishiokj/agentlab/internal/worker"

// Endpoint paths.
const (
	PathSubmit = "/v1/worker/submit"
	PathPoll   = "/v1/worker/poll"
	PathPause  = "/v1/worker/pause"
	PathStop   = "/v1/worker/stop"
)

// Envelope schema versions.
const (
	SchemaSubmit = "remote_worker_submit_v1"
	SchemaPoll   = "remote_worker_poll_v1"
	SchemaPause  = "remote_worker_pause_v1"
	SchemaStop   = "remote_worker_stop_v1"
)

// maxBodyExcerpt bounds how much of a response body is quoted in errors.
const maxBodyExcerpt = 512

// capacityBody marks a submit rejection as backpressure rather than failure.
const capacityBody = "capacity_full"

type SubmitRequest struct {
	SchemaVersion string           `json:"schema_version"`
	Dispatch      *worker.Dispatch `json:"dispatch"`
}

type SubmitResponse struct {
	SchemaVersion string        `json:"schema_version"`
	Ticket        worker.Ticket `json:"ticket"`
}

type PollRequest struct {
	SchemaVersion string `json:"schema_version"`
	TimeoutMs     int64  `json:"timeout_ms"`
}

type PollResponse struct {
	SchemaVersion string              `json:"schema_version"`
	Completions   []worker.Completion `json:"completions"`
}

type PauseRequest struct {
	SchemaVersion string `json:"schema_version"`
	WorkerID      string `json:"worker_id"`
	Label         string `json:"label"`
}

type PauseResponse struct {
	SchemaVersion string          `json:"schema_version"`
	Ack           worker.PauseAck `json:"ack"`
}

type StopRequest struct {
	SchemaVersion string `json:"schema_version"`
	WorkerID      string `json:"worker_id"`
	Reason        string `json:"reason"`
}

type StopResponse struct {
	SchemaVersion string `json:"schema_version"`
	Accepted      bool   `json:"accepted"`
}
