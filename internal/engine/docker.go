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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/model"
)

const sshContainerPort = "22/tcp"

// DockerEngine drives the local Docker daemon. One instance is shared by
// every task the runner launches through the container path.
type DockerEngine struct {
	cli *client.Client
	log zerolog.Logger
}

// NewDockerEngine connects to the daemon reachable via the environment's
// standard DOCKER_HOST/DOCKER_* variables, negotiating the API version.
func NewDockerEngine(log zerolog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &Error{Kind: ErrDaemonUnreachable, Op: "NewDockerEngine", Err: err}
	}
	return &DockerEngine{cli: cli, log: log}, nil
}

func (e *DockerEngine) Close() error { return e.cli.Close() }

func (e *DockerEngine) resources(cores int, memoryBytes int64, gpus []int) container.Resources {
	res := container.Resources{}
	if cores > 0 {
		period := int64(100000)
		res.CPUPeriod = period
		res.CPUQuota = int64(float64(cores) * float64(period))
	}
	if memoryBytes > 0 {
		res.Memory = memoryBytes
	}
	if len(gpus) > 0 {
		ids := make([]string, len(gpus))
		for i, g := range gpus {
			ids[i] = strconv.Itoa(g)
		}
		res.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    ids,
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}
	return res
}

func (e *DockerEngine) mounts(specMounts []model.Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(specMounts))
	for _, m := range specMounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

func (e *DockerEngine) envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func classifyCreateErr(err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No such image"):
		return &Error{Kind: ErrImageMissing, Op: "RunEphemeral", Err: err}
	case strings.Contains(msg, "already in use") || strings.Contains(msg, "Conflict"):
		return &Error{Kind: ErrNameConflict, Op: "RunEphemeral", Err: err}
	case strings.Contains(msg, "connect: connection refused") || strings.Contains(msg, "Cannot connect"):
		return &Error{Kind: ErrDaemonUnreachable, Op: "RunEphemeral", Err: err}
	default:
		return &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: err}
	}
}

// RunEphemeral starts a container that removes itself on exit.
func (e *DockerEngine) RunEphemeral(ctx context.Context, spec RunSpec) (string, error) {
	cmd := append([]string{spec.Cmd}, spec.Args...)
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        e.envSlice(spec.Env),
		WorkingDir: spec.Workdir,
	}
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		Resources:   e.resources(spec.Cores, spec.MemoryBytes, spec.GPUs),
		Mounts:      e.mounts(spec.Mounts),
		Privileged:  spec.Privileged,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classifyCreateErr(err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", &Error{Kind: ErrInvalidResource, Op: "RunEphemeral", Err: err}
	}
	if spec.StdoutPath != "" || spec.StderrPath != "" {
		go e.streamLogsToFiles(resp.ID, spec.StdoutPath, spec.StderrPath)
	}
	return resp.ID, nil
}

// streamLogsToFiles copies a container's demultiplexed stdout/stderr
// into the paths the dispatcher recorded on the task, so the host can
// serve fetch_log straight off shared storage without talking to the
// runner (spec.md §4.8). Runs for the container's lifetime; errors are
// swallowed since logging to stderr of the agent process would be the
// only observer.
func (e *DockerEngine) streamLogsToFiles(containerID, stdoutPath, stderrPath string) {
	var stdout, stderr io.Writer = io.Discard, io.Discard
	if stdoutPath != "" {
		if f, err := os.Create(stdoutPath); err == nil {
			defer f.Close()
			stdout = f
		}
	}
	if stderrPath != "" {
		if f, err := os.Create(stderrPath); err == nil {
			defer f.Close()
			stderr = f
		}
	}

	reader, err := e.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer reader.Close()
	_, _ = stdcopy.StdCopy(stdout, stderr, reader)
}

// RunPersistentSSH starts a detached container with an ephemeral
// host-side port mapped to the container's sshd, and installs the
// submitted public key into authorized_keys via exec once the container
// is up.
func (e *DockerEngine) RunPersistentSSH(ctx context.Context, spec SSHSpec) (string, int, error) {
	exposedPort, err := nat.NewPort("tcp", "22")
	if err != nil {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: err}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          e.envSlice(spec.Env),
		WorkingDir:   spec.Workdir,
		ExposedPorts: nat.PortSet{exposedPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Resources:  e.resources(spec.Cores, spec.MemoryBytes, spec.GPUs),
		Mounts:     e.mounts(spec.Mounts),
		Privileged: spec.Privileged,
		PortBindings: nat.PortMap{
			exposedPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", 0, classifyCreateErr(err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: err}
	}

	inspect, err := e.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: err}
	}
	bindings := inspect.NetworkSettings.Ports[exposedPort]
	if len(bindings) == 0 {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: fmt.Errorf("no host port bound for ssh")}
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: err}
	}

	if err := e.installAuthorizedKey(ctx, resp.ID, spec.SSHPubKey); err != nil {
		return "", 0, &Error{Kind: ErrInvalidResource, Op: "RunPersistentSSH", Err: err}
	}

	return resp.ID, hostPort, nil
}

func (e *DockerEngine) installAuthorizedKey(ctx context.Context, containerID, pubkey string) error {
	script := fmt.Sprintf(
		"mkdir -p /root/.ssh && chmod 700 /root/.ssh && echo %q >> /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys",
		pubkey,
	)
	out, err := e.Exec(ctx, containerID, []string{"/bin/sh", "-c", script})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func (e *DockerEngine) Stop(ctx context.Context, unitID string) error {
	timeout := 15
	if err := e.cli.ContainerStop(ctx, unitID, container.StopOptions{Timeout: &timeout}); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Stop", Err: err}
	}
	return nil
}

func (e *DockerEngine) Pause(ctx context.Context, unitID string) error {
	if err := e.cli.ContainerPause(ctx, unitID); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Pause", Err: err}
	}
	return nil
}

func (e *DockerEngine) Unpause(ctx context.Context, unitID string) error {
	if err := e.cli.ContainerUnpause(ctx, unitID); err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "Unpause", Err: err}
	}
	return nil
}

func (e *DockerEngine) Exec(ctx context.Context, unitID string, cmd []string) (io.ReadCloser, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := e.cli.ContainerExecCreate(ctx, unitID, execCfg)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidResource, Op: "Exec", Err: err}
	}
	attached, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &Error{Kind: ErrInvalidResource, Op: "Exec", Err: err}
	}
	return attached.Conn, nil
}

// LoadImage loads a committed image archive produced by CommitAndSave
// (or shipped alongside an environment) into the local daemon.
func (e *DockerEngine) LoadImage(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &Error{Kind: ErrImageMissing, Op: "LoadImage", Err: err}
	}
	defer f.Close()

	resp, err := e.cli.ImageLoad(ctx, f)
	if err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "LoadImage", Err: err}
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// CommitAndSave freezes a running container into an image named `name`
// and writes it to archivePath as a tar, the reverse of LoadImage. This
// is how an operator captures a modified environment for redistribution.
func (e *DockerEngine) CommitAndSave(ctx context.Context, unitID, name, archivePath string) error {
	resp, err := e.cli.ContainerCommit(ctx, unitID, container.CommitOptions{Reference: name})
	if err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "CommitAndSave", Err: err}
	}

	rc, err := e.cli.ImageSave(ctx, []string{resp.ID})
	if err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "CommitAndSave", Err: err}
	}
	defer rc.Close()

	out, err := os.Create(archivePath)
	if err != nil {
		return &Error{Kind: ErrInvalidResource, Op: "CommitAndSave", Err: err}
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func (e *DockerEngine) Inspect(ctx context.Context, unitID string) (InspectResult, error) {
	inspect, err := e.cli.ContainerInspect(ctx, unitID)
	if err != nil {
		return InspectResult{}, &Error{Kind: ErrInvalidResource, Op: "Inspect", Err: err}
	}

	result := InspectResult{
		Running:   inspect.State.Running,
		ExitCode:  inspect.State.ExitCode,
		OOMKilled: inspect.State.OOMKilled,
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		result.StartedAt = t
	}
	if inspect.State.FinishedAt != "" && inspect.State.FinishedAt != "0001-01-01T00:00:00Z" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			result.FinishedAt = t
		}
	}
	return result, nil
}

var _ Engine = (*DockerEngine)(nil)
