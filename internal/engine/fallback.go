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

package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const unitNamePrefix = "haku-task-"

// SystemdEngine launches tasks as transient, scoped service units rather
// than containers, for environments where container_env_name == "NONE".
// It never handles VPS or GPU-bound tasks: both are rejected by the
// resolver at admission before a task reaches this backend (spec.md §4.2).
type SystemdEngine struct {
	mu   sync.Mutex
	conn *systemddbus.Conn
	pids map[string]int
	log  zerolog.Logger
}

// NewSystemdEngine connects to the system (or, for rootless runners,
// user) systemd bus.
func NewSystemdEngine(ctx context.Context, log zerolog.Logger) (*SystemdEngine, error) {
	conn, err := systemddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrDaemonUnreachable, Op: "NewSystemdEngine", Err: err}
	}
	return &SystemdEngine{conn: conn, pids: map[string]int{}, log: log}, nil
}

func (e *SystemdEngine) Close() error {
	e.conn.Close()
	return nil
}

func unitName(name string) string {
	return unitNamePrefix + name + ".scope"
}

// RunEphemeral starts cmd as a transient scope unit with CPU-quota and
// memory-max properties derived from spec.Cores/MemoryBytes. A
// core-and-memory NUMA-binding helper (numactl) is prefixed onto the
// command line when the caller resolved a target NUMA domain.
func (e *SystemdEngine) RunEphemeral(ctx context.Context, spec RunSpec) (string, error) {
	if len(spec.GPUs) > 0 {
		return "", &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: fmt.Errorf("fallback backend does not support gpu-bound tasks")}
	}

	name := unitName(spec.Name)
	cmdLine := append([]string{spec.Cmd}, spec.Args...)
	if spec.NumaID != nil {
		bind := strconv.Itoa(*spec.NumaID)
		cmdLine = append([]string{"numactl", "--cpunodebind=" + bind, "--membind=" + bind}, cmdLine...)
	}

	props := []systemddbus.Property{
		systemddbus.PropExecStart(cmdLine, false),
	}
	if spec.Cores > 0 {
		// CPUQuotaPerSecUSec is microseconds of CPU time granted per
		// wall-clock second; one core is 1_000_000.
		props = append(props, systemddbus.Property{
			Name:  "CPUQuotaPerSecUSec",
			Value: dbusUint64(uint64(spec.Cores) * 1000000),
		})
	}
	if spec.MemoryBytes > 0 {
		props = append(props, systemddbus.Property{
			Name:  "MemoryMax",
			Value: dbusUint64(uint64(spec.MemoryBytes)),
		})
	}
	if spec.StdoutPath != "" {
		props = append(props, systemddbus.Property{Name: "StandardOutput", Value: dbus.MakeVariant("file:" + spec.StdoutPath)})
	}
	if spec.StderrPath != "" {
		props = append(props, systemddbus.Property{Name: "StandardError", Value: dbus.MakeVariant("file:" + spec.StderrPath)})
	}

	resultCh := make(chan string, 1)
	if _, err := e.conn.StartTransientUnitContext(ctx, name, "replace", props, resultCh); err != nil {
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "File exists") {
			return "", &Error{Kind: ErrNameConflict, Op: "RunEphemeral", Err: err}
		}
		return "", &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: err}
	}
	select {
	case res := <-resultCh:
		if res != "done" {
			return "", &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: fmt.Errorf("unit start result: %s", res)}
		}
	case <-ctx.Done():
		return "", &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: ctx.Err()}
	}

	return name, nil
}

// RunPersistentSSH is never reached: VPS tasks cannot use the fallback
// backend, and the resolver/dispatcher reject them before dispatch.
func (e *SystemdEngine) RunPersistentSSH(ctx context.Context, spec SSHSpec) (string, int, error) {
	return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: fmt.Errorf("vps tasks cannot use the os-service-unit fallback")}
}

func (e *SystemdEngine) Stop(ctx context.Context, unitID string) error {
	resultCh := make(chan string, 1)
	if _, err := e.conn.StopUnitContext(ctx, unitID, "replace", resultCh); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Stop", Err: err}
	}
	<-resultCh
	return nil
}

// Pause maps to SIGSTOP delivered to the unit's main process, per
// spec.md §4.2; there is no native systemd pause primitive for a scope.
func (e *SystemdEngine) Pause(ctx context.Context, unitID string) error {
	pid, err := e.mainPID(ctx, unitID)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Pause", Err: err}
	}
	return nil
}

func (e *SystemdEngine) Unpause(ctx context.Context, unitID string) error {
	pid, err := e.mainPID(ctx, unitID)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Unpause", Err: err}
	}
	return nil
}

func (e *SystemdEngine) mainPID(ctx context.Context, unitID string) (int, error) {
	prop, err := e.conn.GetUnitPropertyContext(ctx, unitID, "ExecMainPID")
	if err != nil {
		return 0, &Error{Kind: ErrInvalidResource, Op: "mainPID", Err: err}
	}
	pid, ok := prop.Value.Value().(uint32)
	if !ok || pid == 0 {
		return 0, &Error{Kind: ErrInvalidResource, Op: "mainPID", Err: fmt.Errorf("unit has no main pid")}
	}
	return int(pid), nil
}

// Exec runs cmd in the mount and PID namespaces of the unit's main
// process via nsenter and returns its standard output as a stream;
// standard error is not captured.
func (e *SystemdEngine) Exec(ctx context.Context, unitID string, cmd []string) (io.ReadCloser, error) {
	pid, err := e.mainPID(ctx, unitID)
	if err != nil {
		return nil, err
	}
	args := append([]string{"-t", fmt.Sprintf("%d", pid), "-m", "-p"}, cmd...)
	c := exec.CommandContext(ctx, "nsenter", args...)
	out, err := c.StdoutPipe()
	if err != nil {
		return nil, &Error{Kind: ErrInvalidResource, Op: "Exec", Err: err}
	}
	if err := c.Start(); err != nil {
		return nil, &Error{Kind: ErrInvalidResource, Op: "Exec", Err: err}
	}
	return out, nil
}

// LoadImage and CommitAndSave have no meaning without a container
// runtime; the environment-sync layer only calls into the Engine for
// backends that report container_env_name != fallback.
func (e *SystemdEngine) LoadImage(ctx context.Context, archivePath string) error {
	return &Error{Kind: ErrInvalidResource, Op: "LoadImage", Err: fmt.Errorf("fallback backend has no image store")}
}

func (e *SystemdEngine) CommitAndSave(ctx context.Context, unitID, name, archivePath string) error {
	return &Error{Kind: ErrInvalidResource, Op: "CommitAndSave", Err: fmt.Errorf("fallback backend has no image store")}
}

func (e *SystemdEngine) Inspect(ctx context.Context, unitID string) (InspectResult, error) {
	activeState, err := e.conn.GetUnitPropertyContext(ctx, unitID, "ActiveState")
	if err != nil {
		return InspectResult{}, &Error{Kind: ErrInvalidResource, Op: "Inspect", Err: err}
	}
	state, _ := activeState.Value.Value().(string)

	result := InspectResult{Running: state == "active" || state == "activating"}

	if codeProp, err := e.conn.GetUnitPropertyContext(ctx, unitID, "ExecMainStatus"); err == nil {
		if code, ok := codeProp.Value.Value().(int32); ok {
			result.ExitCode = int(code)
		}
	}
	if tsProp, err := e.conn.GetUnitPropertyContext(ctx, unitID, "InactiveExitTimestamp"); err == nil {
		if usec, ok := tsProp.Value.Value().(uint64); ok && usec > 0 {
			result.StartedAt = time.UnixMicro(int64(usec))
		}
	}
	return result, nil
}

func dbusUint64(v uint64) dbus.Variant { return dbus.MakeVariant(v) }

var _ Engine = (*SystemdEngine)(nil)
