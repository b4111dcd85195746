package runstate

import (
	"os"
	"path/filepath"
	"time"
)

const parallelWorkerControlFile = "parallel_worker_control.json"

// Control actions.
const (
	ControlActionPause = "pause"
	ControlActionStop  = "stop"
)

// Control response statuses.
const (
	ControlCompleted = "completed"
	ControlFailed    = "failed"
)

// ControlRequest asks the coordinator to fan a pause/stop out to the backend.
type ControlRequest struct {
	RequestID      string   `json:"request_id"`
	Action         string   `json:"action"`
	TargetTrialIDs []string `json:"target_trial_ids,omitempty"`
	Label          string   `json:"label,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	RequestedAt    string   `json:"requested_at,omitempty"`
}

// ControlResponse is the coordinator's answer, matched by request_id.
type ControlResponse struct {
	RequestID         string            `json:"request_id"`
	Status            string            `json:"status"`
	ProcessedTrialIDs []string          `json:"processed_trial_ids"`
	FailedTrials      map[string]string `json:"failed_trials,omitempty"`
	PauseAcked        bool              `json:"pause_acked,omitempty"`
	StopAcked         bool              `json:"stop_acked,omitempty"`
	CompletedAt       string            `json:"completed_at,omitempty"`
}

// workerControlDoc is the request/response envelope on disk.
type workerControlDoc struct {
	Request  *ControlRequest  `json:"request,omitempty"`
	Response *ControlResponse `json:"response,omitempty"`
}

func workerControlPath(runDir string) string {
	return filepath.Join(runDir, RuntimeDir, parallelWorkerControlFile)
}

// WriteControlRequest publishes a new request, clearing any prior response.
func WriteControlRequest(runDir string, req ControlRequest) error {
	if req.RequestedAt == "" {
		req.RequestedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return WriteJSONAtomic(workerControlPath(runDir), workerControlDoc{Request: &req})
}

// PendingControlRequest returns the request awaiting a response, if any. The
// coordinator polls this each tick.
func PendingControlRequest(runDir string) (*ControlRequest, error) {
	var doc workerControlDoc
	if err := ReadJSON(workerControlPath(runDir), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if doc.Request == nil {
		return nil, nil
	}
	if doc.Response != nil && doc.Response.RequestID == doc.Request.RequestID {
		return nil, nil
	}
	return doc.Request, nil
}

// WriteControlResponse records the answer next to its request.
func WriteControlResponse(runDir string, resp ControlResponse) error {
	var doc workerControlDoc
	if err := ReadJSON(workerControlPath(runDir), &doc); err != nil && !os.IsNotExist(err) {
		return err
	}
	resp.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	doc.Response = &resp
	return WriteJSONAtomic(workerControlPath(runDir), doc)
}

// ReadControlResponse returns the response for requestID, or nil while the
// coordinator has not handled it yet.
func ReadControlResponse(runDir, requestID string) (*ControlResponse, error) {
	var doc workerControlDoc
	if err := ReadJSON(workerControlPath(runDir), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if doc.Response == nil || doc.Response.RequestID != requestID {
		return nil, nil
	}
	return doc.Response, nil
}
