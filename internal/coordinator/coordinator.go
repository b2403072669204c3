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

// Package coordinator implements the Task Coordinator (spec.md §4.6):
// the host-side operations exposed to clients and runners — submit,
// status, kill/pause/resume, ingest_status, fetch_log — built on top of
// the resolver, dispatcher and state store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/dispatch"
	"github.com/codepr/haku/internal/herr"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/resolver"
	"github.com/codepr/haku/internal/store"
)

// LifecycleClient is the narrow runner-facing interface the coordinator
// needs for best-effort kill/pause/resume relay; internal/runnerclient's
// Client satisfies it alongside dispatch.RunnerClient.
type LifecycleClient interface {
	Kill(ctx context.Context, endpoint string, taskID int64) error
	Pause(ctx context.Context, endpoint string, taskID int64) error
	Resume(ctx context.Context, endpoint string, taskID int64) error
}

// dispatchTimeout bounds the per-task background dispatch goroutine
// Submit spawns; it is independent of the dispatcher's own per-attempt
// and per-retry timeouts.
const dispatchTimeout = 2 * time.Minute

// Coordinator is constructed once per host process and injected into
// the HTTP server; it holds no ambient state beyond what its
// collaborators (store, resolver, dispatcher, runner client) already
// own.
type Coordinator struct {
	store      store.Store
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	runners    LifecycleClient
	log        zerolog.Logger
}

func New(st store.Store, res *resolver.Resolver, disp *dispatch.Dispatcher, runners LifecycleClient, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: st, resolver: res, dispatcher: disp, runners: runners, log: log}
}

// Submit validates and admits a submission synchronously, returning
// created/failed targets immediately; dispatch of each created task
// proceeds asynchronously in its own goroutine (spec.md §4.5).
func (c *Coordinator) Submit(sub model.Submission) (model.SubmitResult, error) {
	result, err := c.resolver.Resolve(sub)
	if err != nil {
		return model.SubmitResult{}, herr.Validation("coordinator.Submit", err.Error())
	}
	for _, taskID := range result.CreatedTaskIDs {
		go c.dispatchAsync(taskID)
	}
	return result, nil
}

func (c *Coordinator) dispatchAsync(taskID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := c.dispatcher.Dispatch(ctx, taskID); err != nil {
		c.log.Error().Int64("task_id", taskID).Err(err).Msg("coordinator: background dispatch failed")
	}
}

// Status returns a task's current record.
func (c *Coordinator) Status(taskID int64) (*model.Task, error) {
	return c.store.GetTask(taskID)
}

// ListNodes returns every known node.
func (c *Coordinator) ListNodes() ([]*model.Node, error) {
	return c.store.ListNodes()
}

// Node returns one node's full record.
func (c *Coordinator) Node(hostname string) (*model.Node, error) {
	return c.store.GetNode(hostname)
}

// RegisterNode creates a node on its first registration or merges a
// re-registration's (possibly changed) topology, per spec.md §3's node
// lifecycle: nodes are never destroyed automatically.
func (c *Coordinator) RegisterNode(n *model.Node) error {
	existing, err := c.store.GetNode(n.Hostname)
	if err != nil {
		var herrErr *herr.Error
		if !errors.As(err, &herrErr) || herrErr.Kind != herr.KindNotFound {
			return err
		}
		n.Status = model.NodeOnline
		n.LastHeartbeat = time.Now()
		return c.store.CreateNode(n)
	}

	existing.Endpoint = n.Endpoint
	existing.TotalCores = n.TotalCores
	existing.TotalMemory = n.TotalMemory
	existing.Numa = n.Numa
	existing.GPUs = n.GPUs
	existing.Status = model.NodeOnline
	existing.LastHeartbeat = time.Now()
	return c.store.UpdateNode(existing)
}

// Kill issues a best-effort stop to the assigned runner and atomically
// marks the task killed. Terminal tasks are a no-op success. Races with
// the runner's own terminal report are reconciled by "first terminal
// wins" at the store (spec.md §4.6).
func (c *Coordinator) Kill(ctx context.Context, taskID int64) error {
	return c.lifecycle(ctx, taskID, model.StatusKilled,
		[]model.TaskStatus{model.StatusPending, model.StatusAssigning, model.StatusRunning, model.StatusPaused},
		c.runners.Kill)
}

// Pause is only valid from running, per spec.md §9's resolved open
// question.
func (c *Coordinator) Pause(ctx context.Context, taskID int64) error {
	return c.lifecycle(ctx, taskID, model.StatusPaused, []model.TaskStatus{model.StatusRunning}, c.runners.Pause)
}

// Resume is only valid from paused.
func (c *Coordinator) Resume(ctx context.Context, taskID int64) error {
	return c.lifecycle(ctx, taskID, model.StatusRunning, []model.TaskStatus{model.StatusPaused}, c.runners.Resume)
}

func (c *Coordinator) lifecycle(ctx context.Context, taskID int64, to model.TaskStatus, from []model.TaskStatus, notify func(context.Context, string, int64) error) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	allowed := false
	for _, s := range from {
		if task.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return herr.New(herr.KindIllegalTransition, "coordinator.lifecycle",
			fmt.Sprintf("task %d is %s, cannot move to %s", taskID, task.Status, to))
	}

	if task.TargetHostname != "" {
		if node, err := c.store.GetNode(task.TargetHostname); err == nil {
			if err := notify(ctx, node.Endpoint, taskID); err != nil {
				c.log.Warn().Int64("task_id", taskID).Err(err).Msg("coordinator: runner notify failed, relying on heartbeat reconciliation")
			}
		}
	}

	var mutate func(*model.Task)
	if to == model.StatusPaused {
		mutate = func(t *model.Task) { now := time.Now(); t.PausedAt = &now }
	}

	// ok=false here means the task moved on (e.g. the runner's own
	// terminal report won the race); that is success, not failure.
	_, err = c.store.TransitionTask(taskID, from, to, mutate)
	return err
}

// IngestStatus applies a runner's status report using the state
// machine's legal-predecessor set: replaying a terminal update, or a
// report for a task that already moved on, is a silent no-op rather
// than an error (spec.md §8).
func (c *Coordinator) IngestStatus(taskID int64, status model.TaskStatus, exitCode *int, errMsg string, sshPort int, unitID string) error {
	from := model.PredecessorsOf(status)
	if from == nil {
		return herr.Validation("coordinator.IngestStatus", "unknown status "+string(status))
	}

	mutate := func(t *model.Task) {
		if unitID != "" {
			t.AssignedUnitName = unitID
		}
		if sshPort != 0 {
			t.SSHPort = sshPort
		}
		switch status {
		case model.StatusRunning:
			if t.StartedAt == nil {
				now := time.Now()
				t.StartedAt = &now
			}
		case model.StatusCompleted, model.StatusFailed, model.StatusKilled, model.StatusKilledOOM, model.StatusLost:
			now := time.Now()
			t.CompletedAt = &now
			t.ExitCode = exitCode
			if errMsg != "" {
				t.ErrorMessage = errMsg
			}
		}
	}

	ok, err := c.store.TransitionTask(taskID, from, status, mutate)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Warn().Int64("task_id", taskID).Str("status", string(status)).Msg("coordinator: ingest_status: illegal transition, ignored")
	}
	return nil
}

// FetchLog reads a task's recorded stdout or stderr file from shared
// storage, by the path the dispatcher recorded at dispatch time.
func (c *Coordinator) FetchLog(taskID int64, stdout bool) (string, error) {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	path := task.StderrPath
	if stdout {
		path = task.StdoutPath
	}
	if path == "" {
		return "", herr.NotFound("coordinator.FetchLog", fmt.Sprintf("task %d has no recorded log path yet", taskID))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", herr.Wrap(herr.KindStore, "coordinator.FetchLog", "log file unreadable", err)
	}
	return string(data), nil
}

// Health returns a cluster-wide snapshot for the monitoring route
// (SPEC_FULL.md §C.1 companion, spec.md §6's "aggregate monitoring
// snapshot").
func (c *Coordinator) Health() (nodesOnline, nodesOffline, nodesLost int, tasksByStatus map[string]int, err error) {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return 0, 0, 0, nil, err
	}
	for _, n := range nodes {
		switch n.Status {
		case model.NodeOnline:
			nodesOnline++
		case model.NodeOffline:
			nodesOffline++
		case model.NodeLost:
			nodesLost++
		}
	}

	tasksByStatus = map[string]int{}
	allStatuses := []model.TaskStatus{
		model.StatusPending, model.StatusAssigning, model.StatusRunning, model.StatusPaused,
		model.StatusCompleted, model.StatusFailed, model.StatusKilled, model.StatusKilledOOM, model.StatusLost,
	}
	tasks, err := c.store.ListTasksByStatus(allStatuses...)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	for _, t := range tasks {
		tasksByStatus[string(t.Status)]++
	}
	return nodesOnline, nodesOffline, nodesLost, tasksByStatus, nil
}
