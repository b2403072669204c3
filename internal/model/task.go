// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package model

import "time"

// TaskType distinguishes a one-shot batch command from a long-lived VPS
// session.
type TaskType string

const (
	TaskCommand TaskType = "command"
	TaskVPS     TaskType = "vps"
)

// TaskStatus is a position in the state machine documented in spec.md §4.6.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigning TaskStatus = "assigning"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusKilled    TaskStatus = "killed"
	StatusKilledOOM TaskStatus = "killed_oom"
	StatusLost      TaskStatus = "lost"
)

// TerminalStatuses is the set of states from which no further transition
// is legal.
var TerminalStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusKilled:    true,
	StatusKilledOOM: true,
	StatusLost:      true,
}

// IsTerminal reports whether s is one of the terminal states.
func (s TaskStatus) IsTerminal() bool { return TerminalStatuses[s] }

// legalPredecessors maps every non-initial status to the set of statuses
// a task may transition from, mirroring the diagram in spec.md §4.6.
// pending has no predecessor: it only appears at creation.
var legalPredecessors = map[TaskStatus]map[TaskStatus]bool{
	StatusAssigning: {StatusPending: true},
	StatusRunning:   {StatusAssigning: true, StatusPaused: true},
	StatusPaused:    {StatusRunning: true},
	StatusCompleted: {StatusRunning: true},
	StatusFailed:    {StatusAssigning: true, StatusRunning: true},
	StatusKilled:    {StatusPending: true, StatusAssigning: true, StatusRunning: true, StatusPaused: true},
	StatusKilledOOM: {StatusRunning: true},
	StatusLost:      {StatusAssigning: true, StatusRunning: true, StatusPaused: true},
}

// CanTransition reports whether a task currently in `from` may move to
// `to` per the state machine.
func CanTransition(from, to TaskStatus) bool {
	preds, ok := legalPredecessors[to]
	if !ok {
		return false
	}
	return preds[from]
}

// PredecessorsOf returns the statuses a task may legally move from to
// reach `to`, for use with the store's atomic-transition primitive: a
// caller builds the "from" set once, instead of re-deriving it by hand
// at every ingest_status call site.
func PredecessorsOf(to TaskStatus) []TaskStatus {
	preds, ok := legalPredecessors[to]
	if !ok {
		return nil
	}
	out := make([]TaskStatus, 0, len(preds))
	for s := range preds {
		out = append(out, s)
	}
	return out
}

// Privileged is a tri-state: explicit true/false, or "inherit the
// runner's configured default" when unset.
type Privileged int

const (
	PrivilegedInheritDefault Privileged = iota
	PrivilegedTrue
	PrivilegedFalse
)

// ContainerEnv is haku's internal tagged-variant rendering of the wire
// sentinel "NONE": rather than carrying the magic string past the
// admission boundary, a task's environment is either a named archive or
// the OS-service-unit fallback.
type ContainerEnv struct {
	Fallback bool
	Name     string
}

// ContainerEnvFromWire turns the external sentinel "NONE" (or an empty
// string, meaning "runner default") into the internal tagged variant.
func ContainerEnvFromWire(name string) ContainerEnv {
	if name == "NONE" {
		return ContainerEnv{Fallback: true}
	}
	return ContainerEnv{Name: name}
}

// Mount is one parsed "host:container[:mode]" entry.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// Task is one dispatchable instance, created exactly once and never
// deleted: the record is haku's audit log.
type Task struct {
	TaskID  int64  `json:"task_id"`
	BatchID string `json:"batch_id,omitempty"`

	Type    TaskType          `json:"task_type"`
	Command string            `json:"command"`
	Args    []string          `json:"arguments"`
	Env     map[string]string `json:"env_vars"`

	RequiredCores       int     `json:"required_cores"`
	RequiredMemoryBytes *int64  `json:"required_memory_bytes,omitempty"`
	RequiredGPUs        []int   `json:"required_gpus,omitempty"`

	ContainerEnv      ContainerEnv `json:"container_env"`
	Privileged        Privileged   `json:"privileged"`
	AdditionalMounts  []Mount      `json:"additional_mounts,omitempty"`

	TargetHostname string `json:"target_hostname"`
	TargetNumaID   *int   `json:"target_numa_id,omitempty"`

	Status TaskStatus `json:"status"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	AssignedUnitName string `json:"assigned_unit_name,omitempty"`
	SSHPort          int    `json:"ssh_port,omitempty"`

	AssignmentSuspicionCount int        `json:"assignment_suspicion_count"`
	PausedAt                 *time.Time `json:"paused_at,omitempty"`

	// ArchiveTimestamp is the canonical environment archive version
	// resolved at dispatch time, so the runner loads exactly that
	// snapshot rather than whatever is newest when it starts the task.
	ArchiveTimestamp int64 `json:"archive_timestamp,omitempty"`
}

// IsVPS reports whether t is a VPS session rather than a batch command.
func (t *Task) IsVPS() bool { return t.Type == TaskVPS }
