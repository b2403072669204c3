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

package coordinator

import (
	"fmt"
	"strings"

	"github.com/codepr/haku/internal/herr"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/wire"
)

// SubmissionFromWire is the admission boundary's option-record
// translation: it turns the wire's tri-state/sentinel
// representation (nullable *bool privileged, "NONE" env sentinel) into
// haku's internal tagged variants before anything touches the resolver.
func SubmissionFromWire(req wire.SubmitRequest) (model.Submission, error) {
	taskType, err := taskTypeFromWire(req.TaskType)
	if err != nil {
		return model.Submission{}, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return model.Submission{}, herr.Validation("SubmissionFromWire", "command is required")
	}

	mounts := make([]model.Mount, 0, len(req.AdditionalMounts))
	for _, raw := range req.AdditionalMounts {
		m, err := parseMount(raw)
		if err != nil {
			return model.Submission{}, herr.Validation("SubmissionFromWire", err.Error())
		}
		mounts = append(mounts, m)
	}

	return model.Submission{
		TaskType:            taskType,
		Command:             req.Command,
		Args:                req.Arguments,
		Env:                 req.EnvVars,
		RequiredCores:       req.RequiredCores,
		RequiredMemoryBytes: req.RequiredMemoryBytes,
		ContainerEnv:        model.ContainerEnvFromWire(req.ContainerEnvName),
		Privileged:          privilegedFromWire(req.Privileged),
		AdditionalMounts:    mounts,
		Targets:             req.Targets,
	}, nil
}

func taskTypeFromWire(raw string) (model.TaskType, error) {
	switch model.TaskType(raw) {
	case model.TaskCommand, "":
		return model.TaskCommand, nil
	case model.TaskVPS:
		return model.TaskVPS, nil
	default:
		return "", herr.Validation("taskTypeFromWire", fmt.Sprintf("unknown task_type %q", raw))
	}
}

func privilegedFromWire(p *bool) model.Privileged {
	if p == nil {
		return model.PrivilegedInheritDefault
	}
	if *p {
		return model.PrivilegedTrue
	}
	return model.PrivilegedFalse
}

// parseMount parses one "host:container[:mode]" entry per spec.md §3.
func parseMount(raw string) (model.Mount, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return model.Mount{}, fmt.Errorf("invalid mount %q: expected host:container[:mode]", raw)
	}
	m := model.Mount{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw", "":
		default:
			return model.Mount{}, fmt.Errorf("invalid mount mode %q in %q", parts[2], raw)
		}
	}
	return m, nil
}

// TaskToView renders a Task as the client-facing read model.
func TaskToView(t *model.Task) wire.TaskView {
	return wire.TaskView{
		TaskID:                   t.TaskID,
		BatchID:                  t.BatchID,
		TaskType:                 string(t.Type),
		Command:                  t.Command,
		Arguments:                t.Args,
		TargetHostname:           t.TargetHostname,
		TargetNumaID:             t.TargetNumaID,
		Status:                   string(t.Status),
		SubmittedAt:              t.SubmittedAt,
		StartedAt:                t.StartedAt,
		CompletedAt:              t.CompletedAt,
		ExitCode:                 t.ExitCode,
		ErrorMessage:             t.ErrorMessage,
		SSHPort:                  t.SSHPort,
		AssignmentSuspicionCount: t.AssignmentSuspicionCount,
	}
}

// NodeToBasicView renders a Node's basic fields, for the /nodes list
// route (spec.md §6 describes it as "basic fields").
func NodeToBasicView(n *model.Node) wire.NodeView {
	return wire.NodeView{
		Hostname:       n.Hostname,
		Endpoint:       n.Endpoint,
		Status:         string(n.Status),
		TotalCores:     n.TotalCores,
		TotalMemory:    n.TotalMemory,
		LastHeartbeat:  n.LastHeartbeat,
		LastCPUPercent: n.LastCPUPercent,
		LastMemPercent: n.LastMemPercent,
	}
}

// NodeToFullView renders a Node's complete NUMA/GPU telemetry, for the
// /nodes/{hostname} drill-down route (SPEC_FULL.md §C.1).
func NodeToFullView(n *model.Node) wire.NodeView {
	view := NodeToBasicView(n)
	view.Numa = make([]wire.NumaDomain, 0, len(n.Numa))
	for _, d := range n.Numa {
		view.Numa = append(view.Numa, wire.NumaDomain{NumaID: d.NumaID, Cores: d.Cores, MemoryBytes: d.MemoryBytes})
	}
	view.GPUs = make([]wire.NodeGPUView, 0, len(n.GPUs))
	for _, g := range n.GPUs {
		view.GPUs = append(view.GPUs, wire.NodeGPUView{
			GPUID:           g.GPUID,
			Model:           g.Model,
			DriverVersion:   g.DriverVersion,
			TotalMemory:     g.TotalMemory,
			UtilizationPct:  g.Telemetry.UtilizationPct,
			MemoryUsedBytes: g.Telemetry.MemoryUsedBytes,
			TemperatureC:    g.Telemetry.TemperatureC,
			PowerWatts:      g.Telemetry.PowerWatts,
		})
	}
	return view
}

func nodeFromRegister(req wire.RegisterNodeRequest) *model.Node {
	numa := make([]model.NumaDomain, 0, len(req.Numa))
	for _, d := range req.Numa {
		numa = append(numa, model.NumaDomain{NumaID: d.NumaID, Cores: d.Cores, MemoryBytes: d.MemoryBytes})
	}
	gpus := make([]model.GPU, 0, len(req.GPUs))
	for _, g := range req.GPUs {
		gpus = append(gpus, model.GPU{GPUID: g.GPUID, Model: g.Model, DriverVersion: g.DriverVersion, TotalMemory: g.TotalMemory})
	}
	return &model.Node{
		Hostname:    req.Hostname,
		Endpoint:    req.Endpoint,
		TotalCores:  req.TotalCores,
		TotalMemory: req.TotalMemory,
		Numa:        numa,
		GPUs:        gpus,
	}
}

func gpuTelemetryFromWire(in []wire.GPUTelemetry) []model.GPUTelemetry {
	out := make([]model.GPUTelemetry, 0, len(in))
	for _, t := range in {
		out = append(out, model.GPUTelemetry{GPUID: t.GPUID, UtilizationPct: t.UtilizationPct, MemoryUsedBytes: t.MemoryUsedBytes, TemperatureC: t.TemperatureC, PowerWatts: t.PowerWatts})
	}
	return out
}
