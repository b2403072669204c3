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

// Package engine abstracts over the runner's local container runtime
// (spec.md §4.2): Docker for the common path, and a transient
// service-unit fallback for environments with container_env_name ==
// "NONE". Both implement the same Engine interface so the runner agent
// never branches on which backend is active except when choosing one.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/codepr/haku/internal/model"
)

// ErrorKind classifies why an Engine call failed, mirroring spec.md §4.2.
type ErrorKind string

const (
	ErrImageMissing      ErrorKind = "image_missing"
	ErrDaemonUnreachable ErrorKind = "daemon_unreachable"
	ErrInvalidResource   ErrorKind = "invalid_resource"
	ErrNameConflict      ErrorKind = "name_conflict"
)

// Error is the typed error surfaced by Engine implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// RunSpec carries everything run_ephemeral and run_persistent_ssh need,
// grouped so the two entry points and both backends share one shape.
type RunSpec struct {
	Image       string
	Name        string
	Cores       int
	MemoryBytes int64
	GPUs        []int
	Mounts      []model.Mount
	Env         map[string]string
	Privileged  bool
	Cmd         string
	Args        []string
	Workdir     string

	// NumaID, when set, is the target NUMA domain; the fallback backend
	// binds the unit to it with numactl (spec.md §4.2). The Docker
	// backend has no numactl hook here and ignores it (devices/cpuset
	// pinning by NUMA node is out of scope for the container path).
	NumaID *int

	// StdoutPath and StderrPath, when set, are shared-storage paths the
	// backend redirects the process's output streams to (spec.md §4.8).
	// Empty means the caller does not care (VPS sessions, tests).
	StdoutPath string
	StderrPath string
}

// SSHSpec extends RunSpec with what a persistent VPS container needs to
// accept a terminal relay connection.
type SSHSpec struct {
	RunSpec
	SSHPubKey string
}

// InspectResult is the live state Engine.Inspect reports back to the
// supervisor goroutine that watches a running unit for exit/OOM.
type InspectResult struct {
	Running    bool
	ExitCode   int
	OOMKilled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Engine is the contract both the Docker adapter and the service-unit
// fallback satisfy. unit_id is an opaque, backend-specific handle the
// runner stores as Task.AssignedUnitName.
type Engine interface {
	RunEphemeral(ctx context.Context, spec RunSpec) (unitID string, err error)
	RunPersistentSSH(ctx context.Context, spec SSHSpec) (unitID string, hostSSHPort int, err error)

	Stop(ctx context.Context, unitID string) error
	Pause(ctx context.Context, unitID string) error
	Unpause(ctx context.Context, unitID string) error
	Exec(ctx context.Context, unitID string, cmd []string) (io.ReadCloser, error)

	LoadImage(ctx context.Context, archivePath string) error
	CommitAndSave(ctx context.Context, unitID, name, archivePath string) error

	Inspect(ctx context.Context, unitID string) (InspectResult, error)

	Close() error
}
