// Copyright 2024 The taskhub.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the row store backing the queue. Rows carry an etag and
// every mutation goes through a compare-and-swap loop: the mutator may run
// more than once, so it must not emit side effects itself. The store is the
// only strongly consistent collaborator; queue messages are advisory hints
// re-checked against these rows.
package store

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyExists = errors.New("entity already exists")
	ErrNotFound      = errors.New("entity not found")
)

type Store interface {
	Migrate(ctx context.Context) error

	// tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ModifyTask(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error)
	ListGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error)
	ExpireTasks(ctx context.Context, before time.Time, limit int) (int, error)

	// task groups
	CreateTaskGroup(ctx context.Context, g *TaskGroup) error
	GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error)
	ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*TaskGroup) error) (*TaskGroup, error)
	ExpireTaskGroups(ctx context.Context, before time.Time, limit int) (int, error)

	// group membership, the active set drains as members resolve
	AddGroupMember(ctx context.Context, m *TaskGroupMember) error
	AddActiveMember(ctx context.Context, m *TaskGroupActiveMember) error
	GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error)
	RemoveActiveMember(ctx context.Context, taskGroupID, taskID string) (remaining int, removed bool, err error)
	HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error)
	ExpireGroupMembers(ctx context.Context, before time.Time, limit int) (int, error)

	// dependency edges
	CreateDependencyEdges(ctx context.Context, edges []DependencyEdge) error
	// MarkEdgeSatisfied flips the satisfied bit, reporting whether this call
	// performed the flip.
	MarkEdgeSatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) (bool, error)
	ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]DependencyEdge, string, error)
	ExpireDependencyEdges(ctx context.Context, before time.Time, limit int) (int, error)

	// artifacts
	CreateArtifact(ctx context.Context, a *Artifact) error
	ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutate func(*Artifact) error) (*Artifact, error)
	ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error)
	ExpireArtifacts(ctx context.Context, before time.Time, limit int) (int, error)

	// worker registry
	UpsertProvisioner(ctx context.Context, p *Provisioner) error
	ListProvisioners(ctx context.Context, continuation string, limit int) ([]*Provisioner, string, error)
	UpsertWorkerType(ctx context.Context, wt *WorkerType) error
	ListWorkerTypes(ctx context.Context, provisionerID string, continuation string, limit int) ([]*WorkerType, string, error)
	GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error)
	ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, upsert bool, mutate func(*Worker) error) (*Worker, error)
	ListWorkers(ctx context.Context, provisionerID, workerType string, continuation string, limit int) ([]*Worker, string, error)
	ExpireWorkers(ctx context.Context, before time.Time, limit int) (int, error)
}

const DefaultPageSize = 100

// continuation tokens are opaque offsets
func encodeContinuation(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeContinuation(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, errors.Wrap(err, "invalid continuation token")
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, errors.New("invalid continuation token")
	}
	return offset, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultPageSize
	}
	return limit
}
