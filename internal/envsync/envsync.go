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

// Package envsync implements the runner-side Environment Sync
// (spec.md §4.3): resolving the newest archive for a named environment
// on shared storage and loading it into the Container Engine exactly
// once, even when several tasks race on the same name.
package envsync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/codepr/haku/internal/engine"
)

// ErrorKind classifies why a sync failed, per spec.md §4.3.
type ErrorKind string

const (
	ErrNoArchiveFound   ErrorKind = "no_archive_found"
	ErrArchiveUnreadable ErrorKind = "archive_unreadable"
	ErrEngineLoadFailed ErrorKind = "engine_load_failed"
)

// Error is the typed error surfaced by Syncer.Sync.
type Error struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "envsync: " + e.Name + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "envsync: " + e.Name + ": " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Syncer keeps one runner's local cache of which environment archive
// version was last loaded into the engine, and serializes loads
// per-name so two tasks racing to start never trigger two load_image
// calls for the same archive.
type Syncer struct {
	sharedDir string
	eng       engine.Engine

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	loaded map[string]int64
}

func New(sharedDir string, eng engine.Engine) *Syncer {
	return &Syncer{
		sharedDir: sharedDir,
		eng:       eng,
		locks:     map[string]*sync.Mutex{},
		loaded:    map[string]int64{},
	}
}

func (s *Syncer) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Sync makes sure name's canonical archive is loaded into the engine
// and, if it is not already loaded, loads it and records the new
// canonical timestamp. Concurrent callers for the same name block on
// each other; the second one to arrive observes the cache hit and
// returns immediately without loading anything.
//
// wantTS pins the version to load, per spec.md §4.5: the dispatcher
// resolves the canonical timestamp once on the host and ships it in the
// dispatch order, so every runner handling the same batch loads the
// same snapshot instead of each independently racing shared storage.
// wantTS == 0 means the caller has no pinned version (e.g. a dispatch
// order built before a canonical timestamp existed); Sync then falls
// back to resolving the newest archive itself.
func (s *Syncer) Sync(ctx context.Context, name string, wantTS int64) (int64, error) {
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	var ts int64
	var archivePath string
	var err error
	if wantTS != 0 {
		ts = wantTS
		archivePath, err = s.archiveAt(name, wantTS)
	} else {
		ts, archivePath, err = s.newestArchive(name)
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	cached, ok := s.loaded[name]
	s.mu.Unlock()
	if ok && cached == ts {
		return ts, nil
	}

	if err := s.eng.LoadImage(ctx, archivePath); err != nil {
		return 0, &Error{Kind: ErrEngineLoadFailed, Name: name, Err: err}
	}

	s.mu.Lock()
	s.loaded[name] = ts
	s.mu.Unlock()

	return ts, nil
}

// archiveAt locates the archive file for name at exactly ts, so a
// runner honoring a pinned canonical timestamp loads the same snapshot
// other runners in the same batch do rather than whatever happens to be
// newest locally.
func (s *Syncer) archiveAt(name string, ts int64) (string, error) {
	entries, err := os.ReadDir(s.sharedDir)
	if err != nil {
		return "", &Error{Kind: ErrArchiveUnreadable, Name: name, Err: err}
	}

	prefix := name + "." + strconv.FormatInt(ts, 10) + "."
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(s.sharedDir, entry.Name()), nil
		}
	}
	return "", &Error{Kind: ErrNoArchiveFound, Name: name}
}

// ResolveCanonical reports the newest archive timestamp for name on
// shared storage, without touching the engine. The dispatcher calls
// this at dispatch time to pin the canonical version a batch's runners
// must all load (spec.md §4.5).
func ResolveCanonical(sharedDir, name string) (int64, error) {
	s := &Syncer{sharedDir: sharedDir}
	ts, _, err := s.newestArchive(name)
	return ts, err
}

// newestArchive scans sharedDir for files named "<name>.<timestamp>.<ext>"
// and returns the one with the highest timestamp.
func (s *Syncer) newestArchive(name string) (int64, string, error) {
	entries, err := os.ReadDir(s.sharedDir)
	if err != nil {
		return 0, "", &Error{Kind: ErrArchiveUnreadable, Name: name, Err: err}
	}

	type candidate struct {
		ts   int64
		path string
	}
	var candidates []candidate

	prefix := name + "."
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		if !strings.HasPrefix(fname, prefix) {
			continue
		}
		rest := strings.TrimPrefix(fname, prefix)
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		tsStr := rest[:dot]
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{ts: ts, path: filepath.Join(s.sharedDir, fname)})
	}

	if len(candidates) == 0 {
		return 0, "", &Error{Kind: ErrNoArchiveFound, Name: name}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts > candidates[j].ts })
	best := candidates[0]
	return best.ts, best.path, nil
}
