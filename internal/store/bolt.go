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

package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/codepr/haku/internal/herr"
	"github.com/codepr/haku/internal/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes = []byte("nodes")
	bucketTasks = []byte("tasks")
)

// BoltStore is the single embedded-database-file implementation of
// Store, grounded on the same bucket-per-entity, JSON-marshal pattern
// used for haku's cluster-state persistence elsewhere in the pack.
// bbolt serializes all writers against each other internally, which is
// exactly the single-writer-on-the-host guarantee spec.md §4.1 asks for.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or re-opens the embedded database file under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "haku.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, herr.Store("store.Open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, herr.Store("store.Open", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return herr.Store("store.Close", err)
	}
	return nil
}

func taskKey(taskID int64) []byte {
	return []byte(fmt.Sprintf("%020d", taskID))
}

func (s *BoltStore) CreateNode(node *model.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.Hostname), data)
	})
}

func (s *BoltStore) UpdateNode(node *model.Node) error {
	if err := s.CreateNode(node); err != nil {
		return herr.Store("store.UpdateNode", err)
	}
	return nil
}

func (s *BoltStore) GetNode(hostname string) (*model.Node, error) {
	var node model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(hostname))
		if data == nil {
			return herr.NotFound("store.GetNode", "node not found: "+hostname)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*model.Node, error) {
	var nodes []*model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n model.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	if err != nil {
		return nil, herr.Store("store.ListNodes", err)
	}
	return nodes, nil
}

func (s *BoltStore) CreateTask(task *model.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(taskKey(task.TaskID), data)
	})
}

func (s *BoltStore) GetTask(taskID int64) (*model.Task, error) {
	var task model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(taskID))
		if data == nil {
			return herr.NotFound("store.GetTask", fmt.Sprintf("task not found: %d", taskID))
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasksByStatus(statuses ...model.TaskStatus) ([]*model.Task, error) {
	want := make(map[model.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var tasks []*model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if want[t.Status] {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, herr.Store("store.ListTasksByStatus", err)
	}
	return tasks, nil
}

func (s *BoltStore) ListTasksByHostname(hostname string) ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TargetHostname == hostname {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, herr.Store("store.ListTasksByHostname", err)
	}
	return tasks, nil
}

func (s *BoltStore) ListActiveVPSTasks() ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Type == model.TaskVPS && (t.Status == model.StatusRunning || t.Status == model.StatusPaused) {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, herr.Store("store.ListActiveVPSTasks", err)
	}
	return tasks, nil
}

func (s *BoltStore) UpdateTaskFields(taskID int64, mutate func(*model.Task)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(taskID))
		if data == nil {
			return herr.NotFound("store.UpdateTaskFields", fmt.Sprintf("task not found: %d", taskID))
		}
		var t model.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		mutate(&t)
		updated, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		return b.Put(taskKey(taskID), updated)
	})
	if err != nil {
		if _, ok := err.(*herr.Error); ok {
			return err
		}
		return herr.Store("store.UpdateTaskFields", err)
	}
	return nil
}

// TransitionTask implements the atomic-transition primitive on top of a
// single bbolt read-modify-write transaction: bbolt serializes all
// writers, so the check-then-set is linearizable without any extra
// locking on haku's side.
func (s *BoltStore) TransitionTask(taskID int64, from []model.TaskStatus, to model.TaskStatus, mutate func(*model.Task)) (bool, error) {
	allowed := make(map[model.TaskStatus]bool, len(from))
	for _, st := range from {
		allowed[st] = true
	}

	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(taskID))
		if data == nil {
			return herr.NotFound("store.TransitionTask", fmt.Sprintf("task not found: %d", taskID))
		}
		var t model.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if !allowed[t.Status] {
			return nil
		}
		t.Status = to
		if mutate != nil {
			mutate(&t)
		}
		updated, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		ok = true
		return b.Put(taskKey(taskID), updated)
	})
	if err != nil {
		if _, isHerr := err.(*herr.Error); isHerr {
			return false, err
		}
		return false, herr.Store("store.TransitionTask", err)
	}
	return ok, nil
}
