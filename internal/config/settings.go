// Package config translates AGENTLAB_* environment variables into the typed
// runtime settings consumed by the worker backends and retry logic.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AGENTLAB"

// Defaults for the remote protocol client.
const (
	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseBackoff = 20 * time.Millisecond

	DefaultConnectTimeout   = 5 * time.Second
	DefaultSubmitTimeout    = 30 * time.Second
	DefaultPauseTimeout     = 30 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultPollTimeoutGrace = 5 * time.Second
)

// Settings is derived once at start-up and passed by value into the backends.
type Settings struct {
	// LocalWorkerMaxInFlight clamps the local backend capacity when positive.
	// It never raises the configured capacity.
	LocalWorkerMaxInFlight int

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration

	ConnectTimeout   time.Duration
	SubmitTimeout    time.Duration
	PauseTimeout     time.Duration
	StopTimeout      time.Duration
	PollTimeoutGrace time.Duration
}

// FromEnv reads the runner-internal environment variables:
//
//	AGENTLAB_LOCAL_WORKER_MAX_IN_FLIGHT
//	AGENTLAB_REMOTE_PROTOCOL_RETRY_MAX_ATTEMPTS
//	AGENTLAB_REMOTE_PROTOCOL_RETRY_BASE_BACKOFF_MS
//	AGENTLAB_REMOTE_PROTOCOL_{CONNECT,SUBMIT,PAUSE,STOP}_TIMEOUT_MS
//	AGENTLAB_REMOTE_PROTOCOL_POLL_TIMEOUT_GRACE_MS
func FromEnv() (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("local_worker_max_in_flight", 0)
	v.SetDefault("remote_protocol_retry_max_attempts", DefaultRetryMaxAttempts)
	v.SetDefault("remote_protocol_retry_base_backoff_ms", int64(DefaultRetryBaseBackoff/time.Millisecond))
	v.SetDefault("remote_protocol_connect_timeout_ms", int64(DefaultConnectTimeout/time.Millisecond))
	v.SetDefault("remote_protocol_submit_timeout_ms", int64(DefaultSubmitTimeout/time.Millisecond))
	v.SetDefault("remote_protocol_pause_timeout_ms", int64(DefaultPauseTimeout/time.Millisecond))
	v.SetDefault("remote_protocol_stop_timeout_ms", int64(DefaultStopTimeout/time.Millisecond))
	v.SetDefault("remote_protocol_poll_timeout_grace_ms", int64(DefaultPollTimeoutGrace/time.Millisecond))

	s := Settings{
		LocalWorkerMaxInFlight: v.GetInt("local_worker_max_in_flight"),
		RetryMaxAttempts:       v.GetInt("remote_protocol_retry_max_attempts"),
		RetryBaseBackoff:       time.Duration(v.GetInt64("remote_protocol_retry_base_backoff_ms")) * time.Millisecond,
		ConnectTimeout:         time.Duration(v.GetInt64("remote_protocol_connect_timeout_ms")) * time.Millisecond,
		SubmitTimeout:          time.Duration(v.GetInt64("remote_protocol_submit_timeout_ms")) * time.Millisecond,
		PauseTimeout:           time.Duration(v.GetInt64("remote_protocol_pause_timeout_ms")) * time.Millisecond,
		StopTimeout:            time.Duration(v.GetInt64("remote_protocol_stop_timeout_ms")) * time.Millisecond,
		PollTimeoutGrace:       time.Duration(v.GetInt64("remote_protocol_poll_timeout_grace_ms")) * time.Millisecond,
	}
	return s, s.validate()
}

// Default returns the settings used when no environment overrides apply.
func Default() Settings {
	return Settings{
		RetryMaxAttempts: DefaultRetryMaxAttempts,
		RetryBaseBackoff: DefaultRetryBaseBackoff,
		ConnectTimeout:   DefaultConnectTimeout,
		SubmitTimeout:    DefaultSubmitTimeout,
		PauseTimeout:     DefaultPauseTimeout,
		StopTimeout:      DefaultStopTimeout,
		PollTimeoutGrace: DefaultPollTimeoutGrace,
	}
}

func (s Settings) validate() error {
	if s.LocalWorkerMaxInFlight < 0 {
		return fmt.Errorf("AGENTLAB_LOCAL_WORKER_MAX_IN_FLIGHT must not be negative, got %d", s.LocalWorkerMaxInFlight)
	}
	if s.RetryMaxAttempts < 1 {
		return fmt.Errorf("AGENTLAB_REMOTE_PROTOCOL_RETRY_MAX_ATTEMPTS must be at least 1, got %d", s.RetryMaxAttempts)
	}
	if s.RetryBaseBackoff <= 0 {
		return fmt.Errorf("AGENTLAB_REMOTE_PROTOCOL_RETRY_BASE_BACKOFF_MS must be positive")
	}
	return nil
}

// ClampLocalCapacity applies the env ceiling to a configured capacity. The
// returned warning is non-empty when the ceiling lowered the request.
func (s Settings) ClampLocalCapacity(requested int) (int, string) {
	if requested < 1 {
		requested = 1
	}
	if s.LocalWorkerMaxInFlight > 0 && requested > s.LocalWorkerMaxInFlight {
		return s.LocalWorkerMaxInFlight, fmt.Sprintf(
			"local worker capacity clamped from %d to %d by AGENTLAB_LOCAL_WORKER_MAX_IN_FLIGHT",
			requested, s.LocalWorkerMaxInFlight)
	}
	return requested, ""
}
