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

// Package wire holds the JSON request/response shapes exchanged over
// every HTTP route in spec.md §6. Keeping them separate from
// internal/model means the wire sentinel "NONE" and other
// external-protocol quirks never leak into the typed core.
package wire

import "time"

// RegisterNodeRequest is what a runner posts to the host on startup.
type RegisterNodeRequest struct {
	Hostname    string        `json:"hostname"`
	Endpoint    string        `json:"endpoint"`
	TotalCores  int           `json:"total_cores"`
	TotalMemory int64         `json:"total_memory_bytes"`
	Numa        []NumaDomain  `json:"numa"`
	GPUs        []GPU         `json:"gpus"`
}

type NumaDomain struct {
	NumaID      int   `json:"numa_id"`
	Cores       []int `json:"cores"`
	MemoryBytes int64 `json:"memory_bytes"`
}

type GPU struct {
	GPUID         int    `json:"gpu_id"`
	Model         string `json:"model"`
	DriverVersion string `json:"driver_version"`
	TotalMemory   int64  `json:"total_memory_bytes"`
}

// HeartbeatRequest is the periodic liveness ping, carrying a resource
// snapshot so the host never needs a separate inventory scrape.
type HeartbeatRequest struct {
	Hostname       string  `json:"hostname"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
	GPUTelemetry   []GPUTelemetry `json:"gpu_telemetry,omitempty"`
}

type GPUTelemetry struct {
	GPUID           int     `json:"gpu_id"`
	UtilizationPct  float64 `json:"utilization_pct"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	TemperatureC    float64 `json:"temperature_c"`
	PowerWatts      float64 `json:"power_watts"`
}

// SubmitRequest is the client-facing task submission payload.
type SubmitRequest struct {
	TaskType            string            `json:"task_type"`
	Command             string            `json:"command"`
	Arguments           []string          `json:"arguments,omitempty"`
	EnvVars             map[string]string `json:"env_vars,omitempty"`
	RequiredCores       int               `json:"required_cores"`
	RequiredMemoryBytes *int64            `json:"required_memory_bytes,omitempty"`
	ContainerEnvName    string            `json:"container_env_name,omitempty"`
	Privileged          *bool             `json:"privileged,omitempty"`
	AdditionalMounts    []string          `json:"additional_mounts,omitempty"`
	Targets             []string          `json:"targets,omitempty"`
}

// SubmitResponse mirrors model.SubmitResult over the wire.
type SubmitResponse struct {
	CreatedTaskIDs []int64             `json:"created_task_ids"`
	FailedTargets  []FailedTarget      `json:"failed_targets,omitempty"`
}

type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// TaskView is the client-facing read model for a task.
type TaskView struct {
	TaskID                   int64      `json:"task_id"`
	BatchID                  string     `json:"batch_id,omitempty"`
	TaskType                 string     `json:"task_type"`
	Command                  string     `json:"command"`
	Arguments                []string   `json:"arguments,omitempty"`
	TargetHostname           string     `json:"target_hostname"`
	TargetNumaID             *int       `json:"target_numa_id,omitempty"`
	Status                   string     `json:"status"`
	SubmittedAt              time.Time  `json:"submitted_at"`
	StartedAt                *time.Time `json:"started_at,omitempty"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	ExitCode                 *int       `json:"exit_code,omitempty"`
	ErrorMessage             string     `json:"error_message,omitempty"`
	SSHPort                  int        `json:"ssh_port,omitempty"`
	AssignmentSuspicionCount int        `json:"assignment_suspicion_count"`
}

// StatusIngestRequest is what the runner posts back as a task's status
// changes (started, completed, failed, oom-killed).
type StatusIngestRequest struct {
	TaskID       int64  `json:"task_id"`
	Status       string `json:"status"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	SSHPort      int    `json:"ssh_port,omitempty"`
	UnitID       string `json:"assigned_unit_name,omitempty"`
}

// DispatchOrder is what the dispatcher sends to a runner's /run route.
type DispatchOrder struct {
	TaskID              int64             `json:"task_id"`
	TaskType            string            `json:"task_type"`
	Command             string            `json:"command"`
	Arguments           []string          `json:"arguments,omitempty"`
	EnvVars             map[string]string `json:"env_vars,omitempty"`
	RequiredCores       int               `json:"required_cores"`
	RequiredMemoryBytes *int64            `json:"required_memory_bytes,omitempty"`
	RequiredGPUs        []int             `json:"required_gpus,omitempty"`
	ContainerEnvName    string            `json:"container_env_name,omitempty"`
	Privileged          *bool             `json:"privileged,omitempty"`
	AdditionalMounts    []string          `json:"additional_mounts,omitempty"`
	TargetNumaID        *int              `json:"target_numa_id,omitempty"`
	ArchiveTimestamp    int64             `json:"archive_timestamp,omitempty"`
	StdoutPath          string            `json:"stdout_path,omitempty"`
	StderrPath          string            `json:"stderr_path,omitempty"`
}

// DispatchAck is the runner's synchronous reply to a DispatchOrder.
type DispatchAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// LifecycleRequest carries a kill/pause/resume command's sole parameter.
type LifecycleRequest struct {
	TaskID int64 `json:"task_id"`
}

// NodeView is the client-facing read model for a node, including the
// full NUMA/GPU telemetry drill-down (SPEC_FULL.md §C.1).
type NodeView struct {
	Hostname       string       `json:"hostname"`
	Endpoint       string       `json:"endpoint"`
	Status         string       `json:"status"`
	TotalCores     int          `json:"total_cores"`
	TotalMemory    int64        `json:"total_memory_bytes"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	LastCPUPercent float64      `json:"last_cpu_percent"`
	LastMemPercent float64      `json:"last_mem_percent"`
	Numa           []NumaDomain `json:"numa,omitempty"`
	GPUs           []NodeGPUView `json:"gpus,omitempty"`
}

type NodeGPUView struct {
	GPUID           int     `json:"gpu_id"`
	Model           string  `json:"model"`
	DriverVersion   string  `json:"driver_version"`
	TotalMemory     int64   `json:"total_memory_bytes"`
	UtilizationPct  float64 `json:"utilization_pct"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	TemperatureC    float64 `json:"temperature_c"`
	PowerWatts      float64 `json:"power_watts"`
}

// ErrorResponse is the uniform JSON error body written at the HTTP
// boundary (internal/herr.Kind mapped to a status code).
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// LogResponse carries a fetched log file's contents for the fetch_log
// operation.
type LogResponse struct {
	TaskID int64  `json:"task_id"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// ExecRequest carries the command for a runner's /exec/{id} terminal
// relay route (spec.md §4.8); the response body is the raw combined
// output stream, not JSON.
type ExecRequest struct {
	Cmd []string `json:"cmd"`
}

// HealthResponse is the aggregate monitoring snapshot served at
// /health (spec.md §6): cluster-wide counts a dashboard or operator
// polls without fetching every node and task individually.
type HealthResponse struct {
	NodesOnline  int            `json:"nodes_online"`
	NodesOffline int            `json:"nodes_offline"`
	NodesLost    int            `json:"nodes_lost"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
}
