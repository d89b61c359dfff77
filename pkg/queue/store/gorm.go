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
	"context"
	"time"

	"github.com/VividCortex/mysqlerr"
	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"taskhub.io/taskhub/pkg/utils/database"
)

var _ Store = &Gorm{}

// casRetries bounds the modify loop; conflicts on a single row are short
// lived, running out of retries is reported as an error.
const casRetries = 32

type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *database.Database) *Gorm {
	return &Gorm{db: db.DB()}
}

func (g *Gorm) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(
		&Task{}, &TaskGroup{}, &TaskGroupMember{}, &TaskGroupActiveMember{},
		&DependencyEdge{}, &Artifact{},
		&Provisioner{}, &WorkerType{}, &Worker{},
	)
}

func isDuplicateEntry(err error) bool {
	mysqlErr := &driver.MySQLError{}
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlerr.ER_DUP_ENTRY {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (g *Gorm) CreateTask(ctx context.Context, t *Task) error {
	t.ETag = uuid.NewString()
	if err := g.db.WithContext(ctx).Create(t).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (g *Gorm) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t := &Task{}
	if err := g.db.WithContext(ctx).First(t, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (g *Gorm) ModifyTask(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error) {
	for i := 0; i < casRetries; i++ {
		t, err := g.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		etag := t.ETag
		if err := mutate(t); err != nil {
			return nil, err
		}
		t.ETag = uuid.NewString()
		res := g.db.WithContext(ctx).Model(&Task{}).
			Where("task_id = ? AND e_tag = ?", taskID, etag).
			Select("*").Updates(t)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return t, nil
		}
		// etag moved underneath us, reload and mutate again
	}
	return nil, errors.Errorf("task %s: too many concurrent modifications", taskID)
}

func (g *Gorm) ListGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	tasks := []*Task{}
	if err := g.db.WithContext(ctx).
		Where("task_group_id = ?", taskGroupID).
		Order("task_id").Offset(offset).Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(tasks) == limit {
		next = encodeContinuation(offset + len(tasks))
	}
	return tasks, next, nil
}

func (g *Gorm) ExpireTasks(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&Task{})
	return int(res.RowsAffected), res.Error
}

func (g *Gorm) CreateTaskGroup(ctx context.Context, group *TaskGroup) error {
	group.ETag = uuid.NewString()
	if err := g.db.WithContext(ctx).Create(group).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (g *Gorm) GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	group := &TaskGroup{}
	if err := g.db.WithContext(ctx).First(group, "task_group_id = ?", taskGroupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return group, nil
}

func (g *Gorm) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*TaskGroup) error) (*TaskGroup, error) {
	for i := 0; i < casRetries; i++ {
		group, err := g.GetTaskGroup(ctx, taskGroupID)
		if err != nil {
			return nil, err
		}
		etag := group.ETag
		if err := mutate(group); err != nil {
			return nil, err
		}
		group.ETag = uuid.NewString()
		res := g.db.WithContext(ctx).Model(&TaskGroup{}).
			Where("task_group_id = ? AND e_tag = ?", taskGroupID, etag).
			Select("*").Updates(group)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return group, nil
		}
	}
	return nil, errors.Errorf("task group %s: too many concurrent modifications", taskGroupID)
}

func (g *Gorm) ExpireTaskGroups(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&TaskGroup{})
	return int(res.RowsAffected), res.Error
}

func (g *Gorm) AddGroupMember(ctx context.Context, member *TaskGroupMember) error {
	if err := g.db.WithContext(ctx).Create(member).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (g *Gorm) AddActiveMember(ctx context.Context, member *TaskGroupActiveMember) error {
	if err := g.db.WithContext(ctx).Create(member).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (g *Gorm) GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error) {
	member := &TaskGroupActiveMember{}
	err := g.db.WithContext(ctx).First(member, "task_group_id = ? AND task_id = ?", taskGroupID, taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return member, nil
}

func (g *Gorm) RemoveActiveMember(ctx context.Context, taskGroupID, taskID string) (int, bool, error) {
	res := g.db.WithContext(ctx).
		Where("task_group_id = ? AND task_id = ?", taskGroupID, taskID).
		Delete(&TaskGroupActiveMember{})
	if res.Error != nil {
		return 0, false, res.Error
	}
	var remaining int64
	if err := g.db.WithContext(ctx).Model(&TaskGroupActiveMember{}).
		Where("task_group_id = ?", taskGroupID).
		Count(&remaining).Error; err != nil {
		return 0, false, err
	}
	return int(remaining), res.RowsAffected > 0, nil
}

func (g *Gorm) HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&TaskGroupMember{}).
		Where("task_group_id = ?", taskGroupID).
		Limit(1).Count(&count).Error
	return count > 0, err
}

func (g *Gorm) ExpireGroupMembers(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&TaskGroupMember{})
	if res.Error != nil {
		return int(res.RowsAffected), res.Error
	}
	active := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&TaskGroupActiveMember{})
	return int(res.RowsAffected + active.RowsAffected), active.Error
}

func (g *Gorm) CreateDependencyEdges(ctx context.Context, edges []DependencyEdge) error {
	if len(edges) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&edges).Error
}

func (g *Gorm) MarkEdgeSatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) (bool, error) {
	res := g.db.WithContext(ctx).Model(&DependencyEdge{}).
		Where("dependent_task_id = ? AND required_task_id = ? AND satisfied = ?", dependentTaskID, requiredTaskID, false).
		Update("satisfied", true)
	return res.RowsAffected > 0, res.Error
}

func (g *Gorm) ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]DependencyEdge, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	edges := []DependencyEdge{}
	if err := g.db.WithContext(ctx).
		Where("required_task_id = ?", requiredTaskID).
		Order("dependent_task_id").Offset(offset).Limit(limit).
		Find(&edges).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(edges) == limit {
		next = encodeContinuation(offset + len(edges))
	}
	return edges, next, nil
}

func (g *Gorm) ExpireDependencyEdges(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&DependencyEdge{})
	return int(res.RowsAffected), res.Error
}

func (g *Gorm) CreateArtifact(ctx context.Context, a *Artifact) error {
	a.ETag = uuid.NewString()
	if err := g.db.WithContext(ctx).Create(a).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (g *Gorm) ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutate func(*Artifact) error) (*Artifact, error) {
	for i := 0; i < casRetries; i++ {
		a := &Artifact{}
		err := g.db.WithContext(ctx).
			First(a, "task_id = ? AND run_id = ? AND name = ?", taskID, runID, name).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		etag := a.ETag
		if err := mutate(a); err != nil {
			return nil, err
		}
		a.ETag = uuid.NewString()
		res := g.db.WithContext(ctx).Model(&Artifact{}).
			Where("task_id = ? AND run_id = ? AND name = ? AND e_tag = ?", taskID, runID, name, etag).
			Select("*").Updates(a)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return a, nil
		}
	}
	return nil, errors.Errorf("artifact %s/%d/%s: too many concurrent modifications", taskID, runID, name)
}

func (g *Gorm) ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error) {
	artifacts := []*Artifact{}
	err := g.db.WithContext(ctx).
		Where("task_id = ? AND run_id = ?", taskID, runID).
		Order("name").Find(&artifacts).Error
	return artifacts, err
}

func (g *Gorm) ExpireArtifacts(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&Artifact{})
	return int(res.RowsAffected), res.Error
}

func (g *Gorm) UpsertProvisioner(ctx context.Context, p *Provisioner) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provisioner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "expires"}),
	}).Create(p).Error
}

func (g *Gorm) ListProvisioners(ctx context.Context, continuation string, limit int) ([]*Provisioner, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	provisioners := []*Provisioner{}
	if err := g.db.WithContext(ctx).
		Order("provisioner_id").Offset(offset).Limit(limit).
		Find(&provisioners).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(provisioners) == limit {
		next = encodeContinuation(offset + len(provisioners))
	}
	return provisioners, next, nil
}

func (g *Gorm) UpsertWorkerType(ctx context.Context, wt *WorkerType) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provisioner_id"}, {Name: "worker_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "expires"}),
	}).Create(wt).Error
}

func (g *Gorm) ListWorkerTypes(ctx context.Context, provisionerID string, continuation string, limit int) ([]*WorkerType, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	workertypes := []*WorkerType{}
	if err := g.db.WithContext(ctx).
		Where("provisioner_id = ?", provisionerID).
		Order("worker_type").Offset(offset).Limit(limit).
		Find(&workertypes).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(workertypes) == limit {
		next = encodeContinuation(offset + len(workertypes))
	}
	return workertypes, next, nil
}

func (g *Gorm) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error) {
	w := &Worker{}
	err := g.db.WithContext(ctx).First(w,
		"provisioner_id = ? AND worker_type = ? AND worker_group = ? AND worker_id = ?",
		provisionerID, workerType, workerGroup, workerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (g *Gorm) ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, upsert bool, mutate func(*Worker) error) (*Worker, error) {
	for i := 0; i < casRetries; i++ {
		w, err := g.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
		if errors.Is(err, ErrNotFound) {
			if !upsert {
				return nil, ErrNotFound
			}
			w = &Worker{
				ProvisionerID: provisionerID,
				WorkerType:    workerType,
				WorkerGroup:   workerGroup,
				WorkerID:      workerID,
			}
			if err := mutate(w); err != nil {
				return nil, err
			}
			w.ETag = uuid.NewString()
			if err := g.db.WithContext(ctx).Create(w).Error; err != nil {
				if isDuplicateEntry(err) {
					continue // created concurrently, reload and modify
				}
				return nil, err
			}
			return w, nil
		}
		if err != nil {
			return nil, err
		}
		etag := w.ETag
		if err := mutate(w); err != nil {
			return nil, err
		}
		w.ETag = uuid.NewString()
		res := g.db.WithContext(ctx).Model(&Worker{}).
			Where("provisioner_id = ? AND worker_type = ? AND worker_group = ? AND worker_id = ? AND e_tag = ?",
				provisionerID, workerType, workerGroup, workerID, etag).
			Select("*").Updates(w)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return w, nil
		}
	}
	return nil, errors.Errorf("worker %s/%s/%s/%s: too many concurrent modifications",
		provisionerID, workerType, workerGroup, workerID)
}

func (g *Gorm) ListWorkers(ctx context.Context, provisionerID, workerType string, continuation string, limit int) ([]*Worker, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	workers := []*Worker{}
	if err := g.db.WithContext(ctx).
		Where("provisioner_id = ? AND worker_type = ?", provisionerID, workerType).
		Order("worker_group, worker_id").Offset(offset).Limit(limit).
		Find(&workers).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(workers) == limit {
		next = encodeContinuation(offset + len(workers))
	}
	return workers, next, nil
}

func (g *Gorm) ExpireWorkers(ctx context.Context, before time.Time, limit int) (int, error) {
	res := g.db.WithContext(ctx).Where("expires < ?", before).Limit(limit).Delete(&Worker{})
	return int(res.RowsAffected), res.Error
}
