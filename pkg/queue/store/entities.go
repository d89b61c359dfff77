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

package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"taskhub.io/taskhub/pkg/queue/types"
)

// Task is the authoritative row for a task. Definition holds the canonical
// definition bytes; the identifier columns are denormalized out of it for
// indexing. Runs and the counters are the mutable state, guarded by ETag.
type Task struct {
	TaskID     string         `gorm:"primaryKey;type:varchar(22)" json:"taskId"`
	Definition datatypes.JSON `json:"definition"`

	ProvisionerID string `gorm:"type:varchar(38);index:idx_tasks_queue" json:"provisionerId"`
	WorkerType    string `gorm:"type:varchar(38);index:idx_tasks_queue" json:"workerType"`
	SchedulerID   string `gorm:"type:varchar(38)" json:"schedulerId"`
	TaskGroupID   string `gorm:"type:varchar(22);index" json:"taskGroupId"`
	Priority      string `gorm:"type:varchar(16)" json:"priority"`

	Deadline time.Time `json:"deadline"`
	Expires  time.Time `gorm:"index" json:"expires"`

	RetriesLeft    int         `json:"retriesLeft"`
	UnresolvedDeps int         `json:"unresolvedDeps"`
	TakenUntil     time.Time   `json:"takenUntil"`
	Runs           []types.Run `gorm:"serializer:json" json:"runs"`

	ETag string `gorm:"type:varchar(36)" json:"-"`
}

func (t *Task) Def() (*types.TaskDefinition, error) {
	def := &types.TaskDefinition{}
	if err := json.Unmarshal(t.Definition, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (t *Task) State() types.TaskState {
	return types.StateOfRuns(t.Runs)
}

func (t *Task) LastRun() *types.Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

func (t *Task) Status() *types.TaskStatus {
	runs := make([]types.Run, len(t.Runs))
	copy(runs, t.Runs)
	return &types.TaskStatus{
		TaskID:        t.TaskID,
		ProvisionerID: t.ProvisionerID,
		WorkerType:    t.WorkerType,
		SchedulerID:   t.SchedulerID,
		TaskGroupID:   t.TaskGroupID,
		Deadline:      types.NewTime(t.Deadline),
		Expires:       types.NewTime(t.Expires),
		RetriesLeft:   t.RetriesLeft,
		State:         t.State(),
		Runs:          runs,
	}
}

type TaskGroup struct {
	TaskGroupID string    `gorm:"primaryKey;type:varchar(22)" json:"taskGroupId"`
	SchedulerID string    `gorm:"type:varchar(38)" json:"schedulerId"`
	Expires     time.Time `gorm:"index" json:"expires"`
	ETag        string    `gorm:"type:varchar(36)" json:"-"`
}

// TaskGroupMember rows are permanent until group expiry; the active variant
// is removed once the task resolves and drives group-resolved detection.
type TaskGroupMember struct {
	TaskGroupID string    `gorm:"primaryKey;type:varchar(22)" json:"taskGroupId"`
	TaskID      string    `gorm:"primaryKey;type:varchar(22)" json:"taskId"`
	Expires     time.Time `gorm:"index" json:"expires"`
}

type TaskGroupActiveMember struct {
	TaskGroupID string    `gorm:"primaryKey;type:varchar(22)" json:"taskGroupId"`
	TaskID      string    `gorm:"primaryKey;type:varchar(22)" json:"taskId"`
	Expires     time.Time `gorm:"index" json:"expires"`
}

// DependencyEdge links a dependent task to one required task. Edges are
// written in both directions of lookup: the primary key serves the dependent
// side, the requiredTaskId index serves resolution fan-out.
type DependencyEdge struct {
	DependentTaskID string `gorm:"primaryKey;type:varchar(22)" json:"dependentTaskId"`
	RequiredTaskID  string `gorm:"primaryKey;type:varchar(22);index" json:"requiredTaskId"`
	Requires        string `gorm:"type:varchar(16)" json:"requires"`
	// Satisfied flips exactly once; the flip owns the dependent's counter
	// decrement, so duplicate resolution messages cannot double-count.
	Satisfied bool      `json:"satisfied"`
	Expires   time.Time `gorm:"index" json:"expires"`
}

type Artifact struct {
	TaskID      string    `gorm:"primaryKey;type:varchar(22)" json:"taskId"`
	RunID       int       `gorm:"primaryKey" json:"runId"`
	Name        string    `gorm:"primaryKey;type:varchar(255)" json:"name"`
	StorageType string    `gorm:"type:varchar(16)" json:"storageType"`
	ContentType string    `gorm:"type:varchar(255)" json:"contentType"`
	Expires     time.Time `gorm:"index" json:"expires"`
	Present     bool      `json:"present"`
	ETag        string    `gorm:"type:varchar(36)" json:"-"`
}

const (
	StorageTypeObject    = "object"
	StorageTypeReference = "reference"
	StorageTypeError     = "error"
)

type Provisioner struct {
	ProvisionerID string    `gorm:"primaryKey;type:varchar(38)" json:"provisionerId"`
	LastSeen      time.Time `json:"lastSeen"`
	Expires       time.Time `gorm:"index" json:"expires"`
}

type WorkerType struct {
	ProvisionerID string    `gorm:"primaryKey;type:varchar(38)" json:"provisionerId"`
	WorkerType    string    `gorm:"primaryKey;type:varchar(38)" json:"workerType"`
	LastSeen      time.Time `json:"lastSeen"`
	Expires       time.Time `gorm:"index" json:"expires"`
}

// Worker tracks one (workerGroup, workerId) under a worker type, with its
// quarantine state and a bounded ring of recently claimed tasks.
type Worker struct {
	ProvisionerID   string    `gorm:"primaryKey;type:varchar(38)" json:"provisionerId"`
	WorkerType      string    `gorm:"primaryKey;type:varchar(38)" json:"workerType"`
	WorkerGroup     string    `gorm:"primaryKey;type:varchar(38)" json:"workerGroup"`
	WorkerID        string    `gorm:"primaryKey;type:varchar(38)" json:"workerId"`
	QuarantineUntil time.Time `json:"quarantineUntil"`
	RecentTasks     []string  `gorm:"serializer:json" json:"recentTasks"`
	FirstClaim      time.Time `json:"firstClaim"`
	LastSeen        time.Time `json:"lastSeen"`
	Expires         time.Time `gorm:"index" json:"expires"`
	ETag            string    `gorm:"type:varchar(36)" json:"-"`
}
