// Package orchestrator runs profile launches as durable workflows. The
// workflow engine owns retries, heartbeats and progress tracking; the
// activities do the process work.
package orchestrator

import "time"

// LaunchConfig is the user-facing launch request. String fields map onto
// the launcher binary's override flags; empty fields are omitted. The
// timeout fields travel with the input because the workflow must derive
// its options from workflow state, never from process config.
type LaunchConfig struct {
	ProfileID  string `json:"profile_id"`
	Account    string `json:"account,omitempty"`
	Email      string `json:"email,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Extension  string `json:"extension,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Role       string `json:"role,omitempty"`
	Service    string `json:"service,omitempty"`
	Step       string `json:"step,omitempty"`
	Heartbeat  bool   `json:"heartbeat,omitempty"`
	Register   bool   `json:"register,omitempty"`
	Save       bool   `json:"save,omitempty"`
	ConfigFile string `json:"config_file,omitempty"`

	ActivityTimeout  time.Duration `json:"activity_timeout,omitempty"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty"`
	MaxAttempts      int32         `json:"max_attempts,omitempty"`
}

// PreparedCommand is the launcher invocation as argv, never a joined
// string: argument values may contain spaces.
type PreparedCommand struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args"`
}

// ExecutionResult is the outcome of one launcher run. A non-zero exit is
// reported here, not as an activity error, so the workflow decides what
// counts as failure.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Message    string `json:"message"`
	ProfileID  string `json:"profile_id"`
	PID        int    `json:"pid,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// LaunchResult is the workflow's terminal answer.
type LaunchResult struct {
	Type       string `json:"type"`
	ProfileID  string `json:"profile_id"`
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	ExitCode   int    `json:"exit_code"`
	PID        int    `json:"pid,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
