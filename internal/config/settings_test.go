package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	s, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if s.RetryMaxAttempts != 3 {
		t.Fatalf("retry max attempts = %d", s.RetryMaxAttempts)
	}
	if s.RetryBaseBackoff != 20*time.Millisecond {
		t.Fatalf("retry base backoff = %v", s.RetryBaseBackoff)
	}
	if s.ConnectTimeout != 5*time.Second || s.SubmitTimeout != 30*time.Second {
		t.Fatalf("timeouts = %+v", s)
	}
	if s.LocalWorkerMaxInFlight != 0 {
		t.Fatalf("local ceiling default = %d", s.LocalWorkerMaxInFlight)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("AGENTLAB_LOCAL_WORKER_MAX_IN_FLIGHT", "2")
	t.Setenv("AGENTLAB_REMOTE_PROTOCOL_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("AGENTLAB_REMOTE_PROTOCOL_RETRY_BASE_BACKOFF_MS", "40")
	t.Setenv("AGENTLAB_REMOTE_PROTOCOL_SUBMIT_TIMEOUT_MS", "1500")
	t.Setenv("AGENTLAB_REMOTE_PROTOCOL_POLL_TIMEOUT_GRACE_MS", "250")

	s, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if s.LocalWorkerMaxInFlight != 2 {
		t.Fatalf("ceiling = %d", s.LocalWorkerMaxInFlight)
	}
	if s.RetryMaxAttempts != 5 || s.RetryBaseBackoff != 40*time.Millisecond {
		t.Fatalf("retry = %+v", s)
	}
	if s.SubmitTimeout != 1500*time.Millisecond || s.PollTimeoutGrace != 250*time.Millisecond {
		t.Fatalf("timeouts = %+v", s)
	}
}

func TestFromEnv_RejectsBadValues(t *testing.T) {
	t.Setenv("AGENTLAB_REMOTE_PROTOCOL_RETRY_MAX_ATTEMPTS", "0")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestClampLocalCapacity(t *testing.T) {
	t.Parallel()

	s := Default()
	s.LocalWorkerMaxInFlight = 4

	got, warn := s.ClampLocalCapacity(8)
	if got != 4 || warn == "" {
		t.Fatalf("clamp = %d warn=%q", got, warn)
	}
	got, warn = s.ClampLocalCapacity(2)
	if got != 2 || warn != "" {
		t.Fatalf("ceiling must never raise capacity: %d %q", got, warn)
	}
	got, _ = s.ClampLocalCapacity(0)
	if got != 1 {
		t.Fatalf("zero request must floor to 1, got %d", got)
	}
}
