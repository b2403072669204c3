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

package dispatch

import (
	"testing"
	"time"
)

func TestStdoutAndStderrPathConvention(t *testing.T) {
	if got := StdoutPath("/shared", 42); got != "/shared/task_outputs/42.out" {
		t.Errorf("unexpected stdout path %q", got)
	}
	if got := StderrPath("/shared", 42); got != "/shared/task_errors/42.err" {
		t.Errorf("unexpected stderr path %q", got)
	}
}

func TestDefaultConfigMatchesDocumentedSchedule(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 5 || cfg.BackoffBase != 500*time.Millisecond || cfg.BackoffCeiling != 30*time.Second {
		t.Errorf("unexpected default config %+v", cfg)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	d := &Dispatcher{cfg: Config{BackoffBase: 500 * time.Millisecond, BackoffCeiling: 4 * time.Second}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped at ceiling
	}
	for _, c := range cases {
		if got := d.backoffFor(c.attempt); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
