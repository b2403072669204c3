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

// Package model holds the data types shared by the host and the runner:
// nodes, tasks, NUMA topology and GPU inventory, and the task lifecycle
// state machine. Nothing here talks to storage or the network; it is the
// typed core that internal/wire serializes and internal/store persists.
package model

import "time"

// NodeStatus is a node's liveness as tracked by the heartbeat monitor.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeLost    NodeStatus = "lost"
)

// NumaDomain is one NUMA node's share of a machine's cores and memory.
// Stored as a flat, ordered record rather than a nested map so it
// serializes predictably to a single blob (spec.md §6, §9).
type NumaDomain struct {
	NumaID      int     `json:"numa_id"`
	Cores       []int   `json:"cores"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// GPUTelemetry is the live, frequently-changing half of a GPU's record.
// GPUID identifies which device a heartbeat's telemetry sample belongs
// to, since a node reports all its GPUs in one heartbeat request.
type GPUTelemetry struct {
	GPUID           int     `json:"gpu_id"`
	UtilizationPct  float64 `json:"utilization_pct"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	TemperatureC    float64 `json:"temperature_c"`
	PowerWatts      float64 `json:"power_watts"`
}

// GPU describes one enumerated device on a node.
type GPU struct {
	GPUID         int          `json:"gpu_id"`
	Model         string       `json:"model"`
	DriverVersion string       `json:"driver_version"`
	TotalMemory   int64        `json:"total_memory_bytes"`
	Telemetry     GPUTelemetry `json:"telemetry"`
}

// Node is the authoritative record of one compute node, created on its
// first registration and mutated thereafter by re-registration and
// heartbeats; it is never deleted automatically.
type Node struct {
	Hostname string `json:"hostname"`
	Endpoint string `json:"endpoint"`

	TotalCores    int   `json:"total_cores"`
	TotalMemory   int64 `json:"total_memory_bytes"`
	Numa          []NumaDomain `json:"numa"`
	GPUs          []GPU        `json:"gpus"`

	Status          NodeStatus `json:"status"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	LastCPUPercent  float64    `json:"last_cpu_percent"`
	LastMemPercent  float64    `json:"last_mem_percent"`
}

// HasNuma reports whether numaID exists in the node's topology.
func (n *Node) HasNuma(numaID int) bool {
	for _, d := range n.Numa {
		if d.NumaID == numaID {
			return true
		}
	}
	return false
}

// HasGPU reports whether gpuID is part of the node's GPU inventory.
func (n *Node) HasGPU(gpuID int) bool {
	for _, g := range n.GPUs {
		if g.GPUID == gpuID {
			return true
		}
	}
	return false
}

// TotalNumaCores sums the cores claimed across all NUMA domains, used to
// check the invariant total_cores >= sum(|numa[k].cores|).
func (n *Node) TotalNumaCores() int {
	total := 0
	for _, d := range n.Numa {
		total += len(d.Cores)
	}
	return total
}
