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

// Package runneragent implements the Runner Agent (spec.md §4.8): the
// node-local process that registers with the host, accepts dispatch
// orders over HTTP, launches tasks through the Container Engine (or its
// fallback), and reports status back.
package runneragent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/engine"
	"github.com/codepr/haku/internal/envsync"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/wire"
)

// HostClient is the narrow interface Agent needs against the host's
// control surface: posting status reports.
type HostClient interface {
	IngestStatus(ctx context.Context, req wire.StatusIngestRequest) error
}

// unitRecord remembers which backend owns a unit_id, since a runner
// process holds both the container engine and the fallback engine and
// selects between them per task (spec.md §4.2).
type unitRecord struct {
	eng    engine.Engine
	unitID string
}

// Agent holds the in-memory task_id → unit_id map and the engine/envsync
// collaborators a runner process wires up once at startup. fallback may
// be nil on runners that never expect container_env_name == "NONE"
// orders; Run fails such a task with a descriptive error instead of
// panicking.
type Agent struct {
	eng      engine.Engine
	fallback engine.Engine
	sync     *envsync.Syncer
	host     HostClient
	log      zerolog.Logger

	mu    sync.Mutex
	units map[int64]unitRecord
}

func New(eng engine.Engine, fallback engine.Engine, syncer *envsync.Syncer, host HostClient, log zerolog.Logger) *Agent {
	return &Agent{eng: eng, fallback: fallback, sync: syncer, host: host, log: log, units: map[int64]unitRecord{}}
}

// backendFor selects the container engine or the OS-service-unit
// fallback per-task, keyed on the order's resolved environment name
// (spec.md §4.2: "selected per-task when container_env_name == NONE").
func (a *Agent) backendFor(order wire.DispatchOrder) (engine.Engine, error) {
	if order.ContainerEnvName != "NONE" {
		return a.eng, nil
	}
	if a.fallback == nil {
		return nil, fmt.Errorf("runneragent: os-service-unit fallback requested but not configured on this runner")
	}
	return a.fallback, nil
}

// Run handles a dispatch order: it resolves the environment, launches
// the task, posts `running`, and spawns a supervisor. Any pre-launch
// failure is reported synchronously as `failed` and returned to the
// caller so the HTTP handler can ack the order as rejected.
func (a *Agent) Run(ctx context.Context, order wire.DispatchOrder) error {
	spec, err := specFromOrder(order)
	if err != nil {
		a.postFailed(order.TaskID, err.Error())
		return err
	}

	backend, err := a.backendFor(order)
	if err != nil {
		a.postFailed(order.TaskID, err.Error())
		return err
	}

	if order.ContainerEnvName != "" && order.ContainerEnvName != "NONE" {
		if _, err := a.sync.Sync(ctx, order.ContainerEnvName, order.ArchiveTimestamp); err != nil {
			a.postFailed(order.TaskID, "environment sync failed: "+err.Error())
			return err
		}
		spec.Image = order.ContainerEnvName
	}

	if order.TaskType == "vps" {
		return a.runVPS(ctx, order, spec, backend)
	}
	return a.runCommand(ctx, order, spec, backend)
}

func (a *Agent) runCommand(ctx context.Context, order wire.DispatchOrder, spec engine.RunSpec, backend engine.Engine) error {
	spec.StdoutPath = order.StdoutPath
	spec.StderrPath = order.StderrPath
	if spec.StdoutPath != "" {
		if err := ensureDir(spec.StdoutPath); err != nil {
			a.postFailed(order.TaskID, "cannot prepare stdout path: "+err.Error())
			return err
		}
	}
	if spec.StderrPath != "" {
		if err := ensureDir(spec.StderrPath); err != nil {
			a.postFailed(order.TaskID, "cannot prepare stderr path: "+err.Error())
			return err
		}
	}

	unitID, err := backend.RunEphemeral(ctx, spec)
	if err != nil {
		a.postFailed(order.TaskID, err.Error())
		return err
	}

	a.setUnit(order.TaskID, backend, unitID)
	a.postRunning(order.TaskID, unitID, 0)
	go a.supervise(order.TaskID, backend, unitID)
	return nil
}

// runVPS launches a persistent SSH-accessible container. For VPS
// submissions order.Command carries the submitted public key, not a
// command to execute (spec.md §3); it is routed into SSHPubKey and
// cleared from Cmd so the fallback engine never tries to run it as a
// shell command.
func (a *Agent) runVPS(ctx context.Context, order wire.DispatchOrder, spec engine.RunSpec, backend engine.Engine) error {
	spec.Cmd = ""
	sshSpec := engine.SSHSpec{RunSpec: spec, SSHPubKey: order.Command}
	unitID, sshPort, err := backend.RunPersistentSSH(ctx, sshSpec)
	if err != nil {
		a.postFailed(order.TaskID, err.Error())
		return err
	}

	a.setUnit(order.TaskID, backend, unitID)
	a.postRunning(order.TaskID, unitID, sshPort)
	go a.supervise(order.TaskID, backend, unitID)
	return nil
}

// supervise polls Inspect until the unit has exited, then posts the
// terminal status with exit code and OOM detection, per spec.md §4.8.
func (a *Agent) supervise(taskID int64, backend engine.Engine, unitID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		result, err := backend.Inspect(context.Background(), unitID)
		if err != nil {
			a.log.Error().Int64("task_id", taskID).Err(err).Msg("runneragent: inspect failed")
			return
		}
		if result.Running {
			continue
		}

		status := "completed"
		if result.OOMKilled {
			status = "killed_oom"
		} else if result.ExitCode != 0 {
			status = "failed"
		}

		exitCode := result.ExitCode
		req := wire.StatusIngestRequest{TaskID: taskID, Status: status, ExitCode: &exitCode, UnitID: unitID}
		if err := a.host.IngestStatus(context.Background(), req); err != nil {
			a.log.Error().Int64("task_id", taskID).Err(err).Msg("runneragent: failed to post terminal status")
		}
		a.clearUnit(taskID)
		return
	}
}

// Kill, Pause and Resume look up the task's unit and forward the
// control operation; a missing unit (task never launched here, or
// already reaped) is a no-op, matching the host's eventually-consistent
// reconciliation story.
func (a *Agent) Kill(ctx context.Context, taskID int64) error {
	rec, ok := a.unitFor(taskID)
	if !ok {
		return nil
	}
	return rec.eng.Stop(ctx, rec.unitID)
}

func (a *Agent) Pause(ctx context.Context, taskID int64) error {
	rec, ok := a.unitFor(taskID)
	if !ok {
		return nil
	}
	return rec.eng.Pause(ctx, rec.unitID)
}

func (a *Agent) Resume(ctx context.Context, taskID int64) error {
	rec, ok := a.unitFor(taskID)
	if !ok {
		return nil
	}
	return rec.eng.Unpause(ctx, rec.unitID)
}

// Exec runs an ad-hoc command inside a task's running environment, for
// the terminal relay route (spec.md §4.8).
func (a *Agent) Exec(ctx context.Context, taskID int64, cmd []string) (io.ReadCloser, error) {
	rec, ok := a.unitFor(taskID)
	if !ok {
		return nil, fmt.Errorf("runneragent: no unit for task %d", taskID)
	}
	return rec.eng.Exec(ctx, rec.unitID, cmd)
}

func (a *Agent) setUnit(taskID int64, eng engine.Engine, unitID string) {
	a.mu.Lock()
	a.units[taskID] = unitRecord{eng: eng, unitID: unitID}
	a.mu.Unlock()
}

func (a *Agent) clearUnit(taskID int64) {
	a.mu.Lock()
	delete(a.units, taskID)
	a.mu.Unlock()
}

func (a *Agent) unitFor(taskID int64) (unitRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.units[taskID]
	return rec, ok
}

func (a *Agent) postRunning(taskID int64, unitID string, sshPort int) {
	req := wire.StatusIngestRequest{TaskID: taskID, Status: "running", UnitID: unitID, SSHPort: sshPort}
	if err := a.host.IngestStatus(context.Background(), req); err != nil {
		a.log.Error().Int64("task_id", taskID).Err(err).Msg("runneragent: failed to post running status")
	}
}

func (a *Agent) postFailed(taskID int64, reason string) {
	req := wire.StatusIngestRequest{TaskID: taskID, Status: "failed", ErrorMessage: reason}
	if err := a.host.IngestStatus(context.Background(), req); err != nil {
		a.log.Error().Int64("task_id", taskID).Err(err).Msg("runneragent: failed to post failed status")
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func specFromOrder(order wire.DispatchOrder) (engine.RunSpec, error) {
	if order.Command == "" {
		return engine.RunSpec{}, fmt.Errorf("dispatch order for task %d carries no command", order.TaskID)
	}
	privileged := false
	if order.Privileged != nil {
		privileged = *order.Privileged
	}

	mounts := make([]model.Mount, 0, len(order.AdditionalMounts))
	for _, raw := range order.AdditionalMounts {
		m, err := parseMount(raw)
		if err != nil {
			return engine.RunSpec{}, err
		}
		mounts = append(mounts, m)
	}

	return engine.RunSpec{
		Name:        fmt.Sprintf("haku-task-%d", order.TaskID),
		Cores:       order.RequiredCores,
		MemoryBytes: derefInt64(order.RequiredMemoryBytes),
		GPUs:        order.RequiredGPUs,
		Mounts:      mounts,
		Env:         order.EnvVars,
		Privileged:  privileged,
		Cmd:         order.Command,
		Args:        order.Arguments,
		NumaID:      order.TargetNumaID,
	}, nil
}

// parseMount parses one "host:container[:mode]" entry, the same
// convention the coordinator's admission boundary accepts (spec.md §3).
func parseMount(raw string) (model.Mount, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return model.Mount{}, fmt.Errorf("invalid mount %q: expected host:container[:mode]", raw)
	}
	m := model.Mount{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 && parts[2] == "ro" {
		m.ReadOnly = true
	}
	return m, nil
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
