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

// Package dispatch implements the Dispatcher (spec.md §4.5): it takes a
// pending task, transitions it to assigning, and transmits a run-order
// to the target runner with retry and exponential backoff on network
// failure.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/envsync"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/store"
	"github.com/codepr/haku/internal/wire"
)

// RunnerClient is the narrow interface the dispatcher needs against a
// runner; internal/runnerclient provides the HTTP-backed implementation.
type RunnerClient interface {
	Dispatch(ctx context.Context, endpoint string, order wire.DispatchOrder) (wire.DispatchAck, error)
}

// Config holds the retry/backoff schedule, exposed as flags by
// cmd/hakuhost per SPEC_FULL.md §C.3.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// SharedRoot is the shared-storage root under which command-task
	// stdout/stderr are redirected (spec.md §6); empty disables the
	// convention (used by tests that don't exercise log paths).
	SharedRoot string
}

// DefaultConfig matches the schedule documented in SPEC_FULL.md: five
// attempts, starting at 500ms, doubling up to a 30s ceiling.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, BackoffBase: 500 * time.Millisecond, BackoffCeiling: 30 * time.Second}
}

// StdoutPath and StderrPath implement the deterministic, task-id-derived
// paths documented in spec.md §6's shared storage layout.
func StdoutPath(sharedRoot string, taskID int64) string {
	return filepath.Join(sharedRoot, "task_outputs", fmt.Sprintf("%d.out", taskID))
}

func StderrPath(sharedRoot string, taskID int64) string {
	return filepath.Join(sharedRoot, "task_errors", fmt.Sprintf("%d.err", taskID))
}

type Dispatcher struct {
	store  store.Store
	client RunnerClient
	cfg    Config
	log    zerolog.Logger
}

func New(st store.Store, client RunnerClient, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, client: client, cfg: cfg, log: log}
}

// Dispatch transitions taskID from pending to assigning and attempts to
// hand it to its target runner, retrying on network failure up to
// cfg.MaxRetries times with exponential backoff. It does not block the
// caller beyond this: once the order is accepted or exhausted, it
// returns.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID int64) error {
	ok, err := d.store.TransitionTask(taskID, []model.TaskStatus{model.StatusPending}, model.StatusAssigning, nil)
	if err != nil {
		return err
	}
	if !ok {
		d.log.Warn().Int64("task_id", taskID).Msg("dispatch: task no longer pending, skipping")
		return nil
	}

	task, err := d.store.GetTask(taskID)
	if err != nil {
		return err
	}

	node, err := d.store.GetNode(task.TargetHostname)
	if err != nil {
		d.failTask(taskID, "target node vanished: "+err.Error())
		return nil
	}

	if task.Type == model.TaskCommand && d.cfg.SharedRoot != "" {
		task.StdoutPath = StdoutPath(d.cfg.SharedRoot, task.TaskID)
		task.StderrPath = StderrPath(d.cfg.SharedRoot, task.TaskID)
		if err := d.store.UpdateTaskFields(taskID, func(t *model.Task) {
			t.StdoutPath = task.StdoutPath
			t.StderrPath = task.StderrPath
		}); err != nil {
			d.log.Error().Int64("task_id", taskID).Err(err).Msg("dispatch: failed to record output paths")
		}
	}

	if !task.ContainerEnv.Fallback && task.ContainerEnv.Name != "" && d.cfg.SharedRoot != "" {
		ts, err := envsync.ResolveCanonical(d.cfg.SharedRoot, task.ContainerEnv.Name)
		if err != nil {
			d.failTask(taskID, "environment sync failed: "+err.Error())
			return nil
		}
		task.ArchiveTimestamp = ts
		if err := d.store.UpdateTaskFields(taskID, func(t *model.Task) {
			t.ArchiveTimestamp = ts
		}); err != nil {
			d.log.Error().Int64("task_id", taskID).Err(err).Msg("dispatch: failed to record archive timestamp")
		}
	}

	order := orderFromTask(task)

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		ack, err := d.client.Dispatch(ctx, node.Endpoint, order)
		if err == nil {
			if ack.Accepted {
				return nil
			}
			d.failTask(taskID, ack.Reason)
			return nil
		}

		lastErr = err
		d.log.Warn().Int64("task_id", taskID).Int("attempt", attempt+1).Err(err).Msg("dispatch: runner unreachable")
		_ = d.store.UpdateTaskFields(taskID, func(t *model.Task) {
			t.AssignmentSuspicionCount++
		})

		backoff := d.backoffFor(attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.log.Error().Int64("task_id", taskID).Err(lastErr).Msg("dispatch: exhausted retries")
	d.failTask(taskID, "dispatch unreachable")
	return nil
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	backoff := time.Duration(float64(d.cfg.BackoffBase) * math.Pow(2, float64(attempt)))
	if backoff > d.cfg.BackoffCeiling {
		backoff = d.cfg.BackoffCeiling
	}
	return backoff
}

func (d *Dispatcher) failTask(taskID int64, reason string) {
	_, err := d.store.TransitionTask(taskID, []model.TaskStatus{model.StatusAssigning}, model.StatusFailed, func(t *model.Task) {
		t.ErrorMessage = reason
	})
	if err != nil {
		d.log.Error().Int64("task_id", taskID).Err(err).Msg("dispatch: failed to record failure")
	}
}

func orderFromTask(t *model.Task) wire.DispatchOrder {
	var privileged *bool
	if t.Privileged != model.PrivilegedInheritDefault {
		v := t.Privileged == model.PrivilegedTrue
		privileged = &v
	}

	envName := t.ContainerEnv.Name
	if t.ContainerEnv.Fallback {
		envName = "NONE"
	}

	mounts := make([]string, 0, len(t.AdditionalMounts))
	for _, m := range t.AdditionalMounts {
		entry := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			entry += ":ro"
		}
		mounts = append(mounts, entry)
	}

	return wire.DispatchOrder{
		TaskID:              t.TaskID,
		TaskType:             string(t.Type),
		Command:              t.Command,
		Arguments:            t.Args,
		EnvVars:              t.Env,
		RequiredCores:        t.RequiredCores,
		RequiredMemoryBytes:  t.RequiredMemoryBytes,
		RequiredGPUs:         t.RequiredGPUs,
		ContainerEnvName:     envName,
		Privileged:           privileged,
		AdditionalMounts:     mounts,
		TargetNumaID:         t.TargetNumaID,
		ArchiveTimestamp:     t.ArchiveTimestamp,
		StdoutPath:           t.StdoutPath,
		StderrPath:           t.StderrPath,
	}
}
