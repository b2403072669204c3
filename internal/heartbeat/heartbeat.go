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

// Package heartbeat implements the Heartbeat Monitor (spec.md §4.7): a
// periodic sweep, on the host, that marks silent runners offline and
// fails their active tasks.
package heartbeat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/store"
)

// Config holds the sweep period S and the liveness timeout T. The
// caller (cmd/hakuhost) is responsible for T > 3*H, per spec.md §4.9.
type Config struct {
	SweepInterval time.Duration
	Timeout       time.Duration
}

type Monitor struct {
	store  store.Store
	cfg    Config
	log    zerolog.Logger
	stopCh chan struct{}
}

func New(st store.Store, cfg Config, log zerolog.Logger) *Monitor {
	return &Monitor{store: st, cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Start runs the sweep loop in its own goroutine until Stop is called.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Ingest records a heartbeat, re-registering the node as online.
// Already-lost tasks are never resurrected, per spec.md §4.7.
func (m *Monitor) Ingest(hostname string, cpuPercent, memPercent float64, gpus []model.GPUTelemetry) error {
	node, err := m.store.GetNode(hostname)
	if err != nil {
		return err
	}
	node.Status = model.NodeOnline
	node.LastHeartbeat = time.Now()
	node.LastCPUPercent = cpuPercent
	node.LastMemPercent = memPercent
	for i := range node.GPUs {
		for _, t := range gpus {
			if node.GPUs[i].GPUID == t.GPUID {
				node.GPUs[i].Telemetry = t
			}
		}
	}
	return m.store.UpdateNode(node)
}

func (m *Monitor) sweep() {
	nodes, err := m.store.ListNodes()
	if err != nil {
		m.log.Error().Err(err).Msg("heartbeat: sweep could not list nodes")
		return
	}

	cutoff := time.Now().Add(-m.cfg.Timeout)
	for _, node := range nodes {
		if node.Status != model.NodeOnline {
			continue
		}
		if node.LastHeartbeat.After(cutoff) {
			continue
		}

		node.Status = model.NodeOffline
		if err := m.store.UpdateNode(node); err != nil {
			m.log.Error().Str("node", node.Hostname).Err(err).Msg("heartbeat: failed to mark node offline")
			continue
		}
		m.log.Warn().Str("node", node.Hostname).Msg("heartbeat: node marked offline")

		m.failActiveTasks(node.Hostname)
	}
}

func (m *Monitor) failActiveTasks(hostname string) {
	tasks, err := m.store.ListTasksByHostname(hostname)
	if err != nil {
		m.log.Error().Str("node", hostname).Err(err).Msg("heartbeat: failed to list node tasks")
		return
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		_, err := m.store.TransitionTask(t.TaskID, []model.TaskStatus{model.StatusAssigning, model.StatusRunning, model.StatusPaused}, model.StatusLost, func(task *model.Task) {
			task.ErrorMessage = "node offline"
		})
		if err != nil {
			m.log.Error().Int64("task_id", t.TaskID).Err(err).Msg("heartbeat: failed to mark task lost")
		}
	}
}
