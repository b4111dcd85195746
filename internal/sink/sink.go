// Package sink owns the append-only fact surface of a run: the run manifest
// and the four JSONL row streams under facts/. Two writers implement the same
// narrow interface — the durable JSONL sink, and a buffered sink used inside
// worker payloads so deferred rows travel back to the coordinator for ordered
// commit.
package sink

import "encoding/json"

// Fact sink schema versions.
const (
	RunManifestSchemaVersion = "run_manifest_v1"
)

type RunManifestRecord struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	CreatedAt     string   `json:"created_at"`
	WorkloadType  string   `json:"workload_type"`
	BaselineID    string   `json:"baseline_id"`
	VariantIDs    []string `json:"variant_ids"`
}

type TrialRecord struct {
	RunID                string          `json:"run_id"`
	TrialID              string          `json:"trial_id"`
	BaselineID           string          `json:"baseline_id"`
	WorkloadType         string          `json:"workload_type"`
	VariantID            string          `json:"variant_id"`
	TaskIndex            int             `json:"task_index"`
	TaskID               string          `json:"task_id"`
	ReplIdx              int             `json:"repl_idx"`
	Outcome              string          `json:"outcome"`
	Success              bool            `json:"success"`
	StatusCode           string          `json:"status_code"`
	ContainerMode        bool            `json:"container_mode"`
	IntegrationLevel     string          `json:"integration_level"`
	NetworkModeRequested string          `json:"network_mode_requested"`
	NetworkModeEffective string          `json:"network_mode_effective"`
	PrimaryMetricName    string          `json:"primary_metric_name"`
	PrimaryMetricValue   json.RawMessage `json:"primary_metric_value"`
	Metrics              json.RawMessage `json:"metrics"`
	Bindings             json.RawMessage `json:"bindings"`
	HookEventsTotal      int             `json:"hook_events_total"`
	HasHookEvents        bool            `json:"has_hook_events"`
}

type MetricRow struct {
	RunID        string          `json:"run_id"`
	TrialID      string          `json:"trial_id"`
	VariantID    string          `json:"variant_id"`
	TaskID       string          `json:"task_id"`
	ReplIdx      int             `json:"repl_idx"`
	Outcome      string          `json:"outcome"`
	MetricName   string          `json:"metric_name"`
	MetricValue  json.RawMessage `json:"metric_value"`
	MetricSource string          `json:"metric_source,omitempty"`
}

type EventRow struct {
	RunID     string          `json:"run_id"`
	TrialID   string          `json:"trial_id"`
	VariantID string          `json:"variant_id"`
	TaskID    string          `json:"task_id"`
	ReplIdx   int             `json:"repl_idx"`
	Seq       int             `json:"seq"`
	EventType string          `json:"event_type"`
	TS        string          `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type VariantSnapshotRow struct {
	RunID            string          `json:"run_id"`
	TrialID          string          `json:"trial_id"`
	VariantID        string          `json:"variant_id"`
	BaselineID       string          `json:"baseline_id"`
	TaskID           string          `json:"task_id"`
	ReplIdx          int             `json:"repl_idx"`
	BindingName      string          `json:"binding_name"`
	BindingValue     json.RawMessage `json:"binding_value"`
	BindingValueText string          `json:"binding_value_text"`
}

// Sink is the narrow fact writer contract (manifest + four row types + flush).
type Sink interface {
	WriteRunManifest(rec RunManifestRecord) error
	AppendTrialRecord(row TrialRecord) error
	AppendMetricRows(rows []MetricRow) error
	AppendEventRows(rows []EventRow) error
	AppendVariantSnapshots(rows []VariantSnapshotRow) error
	Flush() error
}

// DeferredRows is the envelope of fact rows a trial returns for ordered
// commit. The executor never writes the shared sink directly.
type DeferredRows struct {
	Trial            *TrialRecord         `json:"trial,omitempty"`
	Metrics          []MetricRow          `json:"metrics,omitempty"`
	Events           []EventRow           `json:"events,omitempty"`
	VariantSnapshots []VariantSnapshotRow `json:"variant_snapshots,omitempty"`
}

// WriteTo replays the deferred rows into a sink, in row-stream order.
func (d *DeferredRows) WriteTo(s Sink) error {
	if d == nil {
		return nil
	}
	if d.Trial != nil {
		if err := s.AppendTrialRecord(*d.Trial); err != nil {
			return err
		}
	}
	if err := s.AppendMetricRows(d.Metrics); err != nil {
		return err
	}
	if err := s.AppendEventRows(d.Events); err != nil {
		return err
	}
	return s.AppendVariantSnapshots(d.VariantSnapshots)
}
