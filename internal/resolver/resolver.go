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

package resolver

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/idgen"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/store"
)

// Resolver turns a Submission into admitted Task records, one per target
// that clears every check in spec.md §4.4.
type Resolver struct {
	store store.Store
	ids   *idgen.Generator
	log   zerolog.Logger
}

func New(st store.Store, ids *idgen.Generator, log zerolog.Logger) *Resolver {
	return &Resolver{store: st, ids: ids, log: log}
}

// Resolve validates submission.Targets (or runs auto-select when the
// list is empty) and creates one pending task per target that passes.
// Ordering is preserved: created_task_ids mirrors the input target
// order. Each target is checked against the store as it stands at that
// point, which already holds the pending tasks created for earlier
// targets, so a later target in the same submission sees their core and
// memory commitment.
func (r *Resolver) Resolve(sub model.Submission) (model.SubmitResult, error) {
	if err := r.validateSubmissionShape(sub); err != nil {
		return model.SubmitResult{}, err
	}

	targets := sub.Targets
	autoSelect := len(targets) == 0

	var batchID string
	if len(targets) > 1 {
		batchID = uuid.NewString()
	}

	result := model.SubmitResult{}

	if autoSelect {
		spec, err := r.autoSelect(sub)
		if err != nil {
			result.FailedTargets = append(result.FailedTargets, model.FailedTarget{Target: "(auto)", Reason: err.Error()})
			return result, nil
		}
		taskID, err := r.admitAndCreate(sub, spec, "")
		if err != nil {
			result.FailedTargets = append(result.FailedTargets, model.FailedTarget{Target: "(auto)", Reason: err.Error()})
			return result, nil
		}
		result.CreatedTaskIDs = append(result.CreatedTaskIDs, taskID)
		return result, nil
	}

	for _, raw := range targets {
		spec, err := ParseTarget(raw)
		if err != nil {
			result.FailedTargets = append(result.FailedTargets, model.FailedTarget{Target: raw, Reason: err.Error()})
			continue
		}
		if err := r.checkTarget(sub, spec); err != nil {
			result.FailedTargets = append(result.FailedTargets, model.FailedTarget{Target: raw, Reason: err.Error()})
			continue
		}
		taskID, err := r.admitAndCreate(sub, spec, batchID)
		if err != nil {
			result.FailedTargets = append(result.FailedTargets, model.FailedTarget{Target: raw, Reason: err.Error()})
			continue
		}
		result.CreatedTaskIDs = append(result.CreatedTaskIDs, taskID)
	}

	return result, nil
}

// validateSubmissionShape enforces the rules that depend only on the
// submission's shape, not on any particular target: at most one target
// for a VPS submission, and no VPS on the os-service-unit fallback. The
// fallback's ban on GPU targets needs the parsed target and is checked
// in checkTarget.
func (r *Resolver) validateSubmissionShape(sub model.Submission) error {
	isVPS := sub.TaskType == model.TaskVPS
	if isVPS && len(sub.Targets) > 1 {
		return fmt.Errorf("vps submissions require exactly one target, got %d", len(sub.Targets))
	}
	if sub.ContainerEnv.Fallback && isVPS {
		return fmt.Errorf("vps tasks cannot use the os-service-unit fallback")
	}
	return nil
}

func (r *Resolver) checkTarget(sub model.Submission, spec model.TargetSpec) error {
	node, err := r.store.GetNode(spec.Hostname)
	if err != nil {
		return fmt.Errorf("unknown node %q", spec.Hostname)
	}
	if node.Status != model.NodeOnline {
		return fmt.Errorf("node %q is not online", spec.Hostname)
	}
	if spec.NumaID != nil && !node.HasNuma(*spec.NumaID) {
		return fmt.Errorf("node %q has no numa domain %d", spec.Hostname, *spec.NumaID)
	}
	if len(spec.GPUs) > 0 {
		if sub.ContainerEnv.Fallback {
			return fmt.Errorf("gpu targets cannot use the os-service-unit fallback")
		}
		active, err := r.store.ListTasksByStatus(model.StatusAssigning, model.StatusRunning, model.StatusPaused)
		if err != nil {
			return fmt.Errorf("store unavailable: %w", err)
		}
		held := map[int]bool{}
		for _, t := range active {
			if t.TargetHostname != spec.Hostname {
				continue
			}
			for _, g := range t.RequiredGPUs {
				held[g] = true
			}
		}
		for _, g := range spec.GPUs {
			if !node.HasGPU(g) {
				return fmt.Errorf("node %q has no gpu %d", spec.Hostname, g)
			}
			if held[g] {
				return fmt.Errorf("gpu %d on node %q is already held", g, spec.Hostname)
			}
		}
	}

	return r.checkResourceAvailability(node, sub)
}

// checkResourceAvailability enforces invariant 1 of spec.md §3.2: the
// sum of required_cores/memory over non-terminal tasks on the node,
// plus this submission's request, must not exceed the node's totals.
func (r *Resolver) checkResourceAvailability(node *model.Node, sub model.Submission) error {
	active, err := r.store.ListTasksByStatus(model.StatusPending, model.StatusAssigning, model.StatusRunning, model.StatusPaused)
	if err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	usedCores := 0
	var usedMemory int64
	for _, t := range active {
		if t.TargetHostname != node.Hostname {
			continue
		}
		usedCores += t.RequiredCores
		if t.RequiredMemoryBytes != nil {
			usedMemory += *t.RequiredMemoryBytes
		}
	}

	if usedCores+sub.RequiredCores > node.TotalCores {
		return fmt.Errorf("node %q has insufficient cores: %d available, %d requested", node.Hostname, node.TotalCores-usedCores, sub.RequiredCores)
	}
	if sub.RequiredMemoryBytes != nil {
		available := node.TotalMemory - usedMemory
		if *sub.RequiredMemoryBytes > available {
			return fmt.Errorf("node %q has insufficient memory: %d available, %d requested", node.Hostname, available, *sub.RequiredMemoryBytes)
		}
	}
	return nil
}

// autoSelect implements the target-absent fallback: any online node
// whose available cores/memory cover the request. No GPU auto-selection.
func (r *Resolver) autoSelect(sub model.Submission) (model.TargetSpec, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return model.TargetSpec{}, fmt.Errorf("store unavailable: %w", err)
	}
	for _, node := range nodes {
		if node.Status != model.NodeOnline {
			continue
		}
		if err := r.checkResourceAvailability(node, sub); err != nil {
			continue
		}
		return model.TargetSpec{Hostname: node.Hostname}, nil
	}
	return model.TargetSpec{}, fmt.Errorf("no online node fits the request")
}

func (r *Resolver) admitAndCreate(sub model.Submission, spec model.TargetSpec, batchID string) (int64, error) {
	task := &model.Task{
		TaskID:              r.ids.Next(),
		BatchID:             batchID,
		Type:                sub.TaskType,
		Command:             sub.Command,
		Args:                sub.Args,
		Env:                 sub.Env,
		RequiredCores:       sub.RequiredCores,
		RequiredMemoryBytes: sub.RequiredMemoryBytes,
		RequiredGPUs:        spec.GPUs,
		ContainerEnv:        sub.ContainerEnv,
		Privileged:          sub.Privileged,
		AdditionalMounts:    sub.AdditionalMounts,
		TargetHostname:      spec.Hostname,
		TargetNumaID:        spec.NumaID,
		Status:              model.StatusPending,
		SubmittedAt:         time.Now(),
	}
	if err := r.store.CreateTask(task); err != nil {
		return 0, err
	}
	return task.TaskID, nil
}
