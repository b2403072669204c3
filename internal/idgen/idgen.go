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

// Package idgen produces the task_id values spec.md requires: 64-bit,
// globally unique, monotonic within a host process, and time-sortable.
// No snowflake-style library is wired anywhere in the retrieved pack, so
// this is a small hand-rolled counter grounded on the same shape as one
// (millisecond timestamp high bits, sequence low bits) rather than a
// reach for an unexercised dependency.
package idgen

import (
	"sync"
	"time"
)

const sequenceBits = 16

// Generator hands out strictly increasing int64 ids. Safe for concurrent
// use; the host constructs exactly one and shares it across submissions.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence int64
	epoch    int64
}

// idEpochMs is the fixed origin ids count from (2020-01-01T00:00:00Z in
// Unix milliseconds). Because it does not move between host processes,
// ids minted after a restart keep sorting after the ones already stored.
const idEpochMs int64 = 1577836800000

// NewGenerator builds a Generator counting from idEpochMs.
func NewGenerator() *Generator {
	return &Generator{epoch: idEpochMs}
}

// Next returns the next id. Within the same millisecond, ids are ordered
// by call sequence; across milliseconds, by wall-clock order.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= g.lastMs {
		now = g.lastMs
		g.sequence++
		if g.sequence >= (1 << sequenceBits) {
			// Sequence overflowed within the same millisecond; spin to
			// the next tick rather than collide.
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return ((now - g.epoch) << sequenceBits) | g.sequence
}
