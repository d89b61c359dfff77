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
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = &Memory{}

// Memory keeps all rows in process. It implements the same etag semantics as
// the database store, so lifecycle code paths exercise real conflict retries
// in tests and single-node deployments.
type Memory struct {
	mu           sync.Mutex
	tasks        map[string]*Task
	groups       map[string]*TaskGroup
	members      map[string]map[string]*TaskGroupMember
	active       map[string]map[string]*TaskGroupActiveMember
	edges        map[string]map[string]*DependencyEdge // dependent -> required
	redges       map[string]map[string]*DependencyEdge // required -> dependent
	artifacts    map[string]*Artifact
	provisioners map[string]*Provisioner
	workertypes  map[string]*WorkerType
	workers      map[string]*Worker
}

func NewMemory() *Memory {
	return &Memory{
		tasks:        map[string]*Task{},
		groups:       map[string]*TaskGroup{},
		members:      map[string]map[string]*TaskGroupMember{},
		active:       map[string]map[string]*TaskGroupActiveMember{},
		edges:        map[string]map[string]*DependencyEdge{},
		redges:       map[string]map[string]*DependencyEdge{},
		artifacts:    map[string]*Artifact{},
		provisioners: map[string]*Provisioner{},
		workertypes:  map[string]*WorkerType{},
		workers:      map[string]*Worker{},
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }

func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	// ETag is excluded from JSON, carry it over so etag checks see it
	if src := reflect.ValueOf(v).Elem(); src.Kind() == reflect.Struct {
		if f := src.FieldByName("ETag"); f.IsValid() {
			reflect.ValueOf(out).Elem().FieldByName("ETag").Set(f)
		}
	}
	return out
}

func newETag() string { return uuid.NewString() }

func (m *Memory) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.TaskID]; ok {
		return ErrAlreadyExists
	}
	t.ETag = newETag()
	m.tasks[t.TaskID] = clone(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) ModifyTask(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error) {
	for {
		m.mu.Lock()
		cur, ok := m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		work := clone(cur)
		etag := cur.ETag
		m.mu.Unlock()

		if err := mutate(work); err != nil {
			return nil, err
		}

		m.mu.Lock()
		cur, ok = m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		if cur.ETag != etag {
			m.mu.Unlock()
			continue // concurrent modification, mutate again on a fresh copy
		}
		work.ETag = newETag()
		m.tasks[taskID] = clone(work)
		m.mu.Unlock()
		return work, nil
	}
}

func (m *Memory) ListGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id, t := range m.tasks {
		if t.TaskGroupID == taskGroupID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := []*Task{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, clone(m.tasks[ids[i]]))
	}
	next := ""
	if offset+len(out) < len(ids) {
		next = encodeContinuation(offset + len(out))
	}
	return out, next, nil
}

func (m *Memory) ExpireTasks(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Expires.Before(before) {
			delete(m.tasks, id)
			if n++; n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) CreateTaskGroup(ctx context.Context, g *TaskGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.TaskGroupID]; ok {
		return ErrAlreadyExists
	}
	g.ETag = newETag()
	m.groups[g.TaskGroupID] = clone(g)
	return nil
}

func (m *Memory) GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[taskGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *Memory) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*TaskGroup) error) (*TaskGroup, error) {
	for {
		m.mu.Lock()
		cur, ok := m.groups[taskGroupID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		work := clone(cur)
		etag := cur.ETag
		m.mu.Unlock()

		if err := mutate(work); err != nil {
			return nil, err
		}

		m.mu.Lock()
		cur, ok = m.groups[taskGroupID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		if cur.ETag != etag {
			m.mu.Unlock()
			continue
		}
		work.ETag = newETag()
		m.groups[taskGroupID] = clone(work)
		m.mu.Unlock()
		return work, nil
	}
}

func (m *Memory) ExpireTaskGroups(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, g := range m.groups {
		if g.Expires.Before(before) {
			delete(m.groups, id)
			if n++; n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) AddGroupMember(ctx context.Context, member *TaskGroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.members[member.TaskGroupID]
	if !ok {
		group = map[string]*TaskGroupMember{}
		m.members[member.TaskGroupID] = group
	}
	if _, ok := group[member.TaskID]; ok {
		return ErrAlreadyExists
	}
	group[member.TaskID] = clone(member)
	return nil
}

func (m *Memory) AddActiveMember(ctx context.Context, member *TaskGroupActiveMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.active[member.TaskGroupID]
	if !ok {
		group = map[string]*TaskGroupActiveMember{}
		m.active[member.TaskGroupID] = group
	}
	if _, ok := group[member.TaskID]; ok {
		return ErrAlreadyExists
	}
	group[member.TaskID] = clone(member)
	return nil
}

func (m *Memory) GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.active[taskGroupID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(member), nil
}

func (m *Memory) RemoveActiveMember(ctx context.Context, taskGroupID, taskID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.active[taskGroupID]
	if !ok {
		return 0, false, nil
	}
	_, removed := group[taskID]
	delete(group, taskID)
	return len(group), removed, nil
}

func (m *Memory) HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[taskGroupID]) > 0, nil
}

func (m *Memory) ExpireGroupMembers(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, group := range m.members {
		for id, member := range group {
			if member.Expires.Before(before) {
				delete(group, id)
				n++
			}
		}
	}
	for _, group := range m.active {
		for id, member := range group {
			if member.Expires.Before(before) {
				delete(group, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) CreateDependencyEdges(ctx context.Context, edges []DependencyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range edges {
		edge := edges[i]
		fwd, ok := m.edges[edge.DependentTaskID]
		if !ok {
			fwd = map[string]*DependencyEdge{}
			m.edges[edge.DependentTaskID] = fwd
		}
		if _, ok := fwd[edge.RequiredTaskID]; ok {
			continue // never reset a satisfied edge
		}
		fwd[edge.RequiredTaskID] = &edge

		rev, ok := m.redges[edge.RequiredTaskID]
		if !ok {
			rev = map[string]*DependencyEdge{}
			m.redges[edge.RequiredTaskID] = rev
		}
		rev[edge.DependentTaskID] = &edge
	}
	return nil
}

func (m *Memory) MarkEdgeSatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fwd, ok := m.edges[dependentTaskID]
	if !ok {
		return false, ErrNotFound
	}
	edge, ok := fwd[requiredTaskID]
	if !ok {
		return false, ErrNotFound
	}
	if edge.Satisfied {
		return false, nil
	}
	edge.Satisfied = true
	return true, nil
}

func (m *Memory) ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]DependencyEdge, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id := range m.redges[requiredTaskID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []DependencyEdge{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *clone(m.redges[requiredTaskID][ids[i]]))
	}
	next := ""
	if offset+len(out) < len(ids) {
		next = encodeContinuation(offset + len(out))
	}
	return out, next, nil
}

func (m *Memory) ExpireDependencyEdges(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for dep, fwd := range m.edges {
		for req, edge := range fwd {
			if edge.Expires.Before(before) {
				delete(fwd, req)
				if rev, ok := m.redges[req]; ok {
					delete(rev, dep)
				}
				n++
			}
		}
	}
	return n, nil
}

func artifactKey(taskID string, runID int, name string) string {
	return strings.Join([]string{taskID, strconv.Itoa(runID), name}, "/")
}

func (m *Memory) CreateArtifact(ctx context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := artifactKey(a.TaskID, a.RunID, a.Name)
	if _, ok := m.artifacts[key]; ok {
		return ErrAlreadyExists
	}
	a.ETag = newETag()
	m.artifacts[key] = clone(a)
	return nil
}

func (m *Memory) ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutate func(*Artifact) error) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := artifactKey(taskID, runID, name)
	cur, ok := m.artifacts[key]
	if !ok {
		return nil, ErrNotFound
	}
	work := clone(cur)
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.ETag = newETag()
	m.artifacts[key] = clone(work)
	return work, nil
}

func (m *Memory) ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Artifact{}
	for _, a := range m.artifacts {
		if a.TaskID == taskID && a.RunID == runID {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ExpireArtifacts(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, a := range m.artifacts {
		if a.Expires.Before(before) {
			delete(m.artifacts, key)
			if n++; n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) UpsertProvisioner(ctx context.Context, p *Provisioner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.provisioners[p.ProvisionerID]; ok {
		if p.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = p.LastSeen
		}
		if p.Expires.After(cur.Expires) {
			cur.Expires = p.Expires
		}
		return nil
	}
	m.provisioners[p.ProvisionerID] = clone(p)
	return nil
}

func (m *Memory) ListProvisioners(ctx context.Context, continuation string, limit int) ([]*Provisioner, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.provisioners))
	for id := range m.provisioners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []*Provisioner{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, clone(m.provisioners[ids[i]]))
	}
	next := ""
	if offset+len(out) < len(ids) {
		next = encodeContinuation(offset + len(out))
	}
	return out, next, nil
}

func (m *Memory) UpsertWorkerType(ctx context.Context, wt *WorkerType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := wt.ProvisionerID + "/" + wt.WorkerType
	if cur, ok := m.workertypes[key]; ok {
		if wt.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = wt.LastSeen
		}
		if wt.Expires.After(cur.Expires) {
			cur.Expires = wt.Expires
		}
		return nil
	}
	m.workertypes[key] = clone(wt)
	return nil
}

func (m *Memory) ListWorkerTypes(ctx context.Context, provisionerID string, continuation string, limit int) ([]*WorkerType, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := []string{}
	for key, wt := range m.workertypes {
		if wt.ProvisionerID == provisionerID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := []*WorkerType{}
	for i := offset; i < len(keys) && len(out) < limit; i++ {
		out = append(out, clone(m.workertypes[keys[i]]))
	}
	next := ""
	if offset+len(out) < len(keys) {
		next = encodeContinuation(offset + len(out))
	}
	return out, next, nil
}

func workerKey(provisionerID, workerType, workerGroup, workerID string) string {
	return strings.Join([]string{provisionerID, workerType, workerGroup, workerID}, "/")
}

func (m *Memory) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerKey(provisionerID, workerType, workerGroup, workerID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

func (m *Memory) ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, upsert bool, mutate func(*Worker) error) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workerKey(provisionerID, workerType, workerGroup, workerID)
	cur, ok := m.workers[key]
	if !ok {
		if !upsert {
			return nil, ErrNotFound
		}
		cur = &Worker{
			ProvisionerID: provisionerID,
			WorkerType:    workerType,
			WorkerGroup:   workerGroup,
			WorkerID:      workerID,
		}
	}
	work := clone(cur)
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.ETag = newETag()
	m.workers[key] = clone(work)
	return work, nil
}

func (m *Memory) ListWorkers(ctx context.Context, provisionerID, workerType string, continuation string, limit int) ([]*Worker, string, error) {
	offset, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := []string{}
	for key, w := range m.workers {
		if w.ProvisionerID == provisionerID && w.WorkerType == workerType {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := []*Worker{}
	for i := offset; i < len(keys) && len(out) < limit; i++ {
		out = append(out, clone(m.workers[keys[i]]))
	}
	next := ""
	if offset+len(out) < len(keys) {
		next = encodeContinuation(offset + len(out))
	}
	return out, next, nil
}

func (m *Memory) ExpireWorkers(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, w := range m.workers {
		if w.Expires.Before(before) {
			delete(m.workers, key)
			if n++; n >= limit {
				break
			}
		}
	}
	return n, nil
}
