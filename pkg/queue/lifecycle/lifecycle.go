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

// Package lifecycle is the task state machine. Every operation is idempotent
// on its key inputs: replays return the same status and emit no additional
// events. Side effects (queue puts, bus publishes) happen strictly after the
// store commit; the advisory messages re-drive any transition lost between
// commit and publish.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

// Authorizer is the external credential/scope collaborator. The engine only
// forwards parameterized scope sets; satisfying any one set authorizes the
// call.
type Authorizer interface {
	CheckAuthorized(ctx context.Context, scopeSets [][]string) error
}

type allowAll struct{}

func (allowAll) CheckAuthorized(ctx context.Context, scopeSets [][]string) error { return nil }

// AllowAll authorizes everything, for deployments fronted by their own auth.
func AllowAll() Authorizer { return allowAll{} }

const definitionCacheSize = 4096

type Engine struct {
	store   store.Store
	queues  *advisory.Queues
	bus     eventbus.Publisher
	tracker *deps.Tracker
	auth    Authorizer

	// read-only definition cache; definitions are immutable, entries are
	// refreshed whenever this engine writes the task itself
	defcache *lru.Cache[string, *types.TaskDefinition]

	now func() time.Time
}

func NewEngine(s store.Store, queues *advisory.Queues, bus eventbus.Publisher, tracker *deps.Tracker) *Engine {
	cache, err := lru.New[string, *types.TaskDefinition](definitionCacheSize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &Engine{
		store:    s,
		queues:   queues,
		bus:      bus,
		tracker:  tracker,
		auth:     AllowAll(),
		defcache: cache,
		now:      time.Now,
	}
}

// WithNow overrides the clock, test hook.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithAuthorizer(auth Authorizer) *Engine {
	e.auth = auth
	return e
}

// CreateTask registers a task. With no dependencies run 0 is born pending and
// dispatched immediately, otherwise the task stays unscheduled until the
// dependency tracker releases it.
func (e *Engine) CreateTask(ctx context.Context, taskID string, def *types.TaskDefinition) (*types.TaskStatus, error) {
	if err := e.validateDefinition(taskID, def); err != nil {
		return nil, err
	}
	if err := e.auth.CheckAuthorized(ctx, createScopes(def)); err != nil {
		return nil, err
	}
	return e.createTask(ctx, taskID, def, false)
}

// DefineTask is CreateTask plus an implicit self-dependency: the task stays
// unscheduled until ScheduleTask releases it, and no task-pending is emitted.
func (e *Engine) DefineTask(ctx context.Context, taskID string, def *types.TaskDefinition) (*types.TaskStatus, error) {
	if err := e.validateDefinition(taskID, def); err != nil {
		return nil, err
	}
	if err := e.auth.CheckAuthorized(ctx, createScopes(def)); err != nil {
		return nil, err
	}
	return e.createTask(ctx, taskID, def, true)
}

func (e *Engine) createTask(ctx context.Context, taskID string, def *types.TaskDefinition, selfDependent bool) (*types.TaskStatus, error) {
	canonical, err := def.Canonical()
	if err != nil {
		return nil, errors.Wrap(err, "encode definition")
	}

	if err := e.ensureTaskGroup(ctx, def); err != nil {
		return nil, err
	}
	if err := e.ensureMembership(ctx, taskID, def); err != nil {
		return nil, err
	}

	// the deadline message precedes the task row so the deadline resolver
	// covers the task from the instant it exists
	if err := e.queues.PutDeadline(ctx, advisory.DeadlinePayload{
		TaskID:   taskID,
		Deadline: def.Deadline,
	}); err != nil {
		return nil, err
	}

	dependencies := def.Dependencies
	if selfDependent {
		dependencies = append(append([]string{}, def.Dependencies...), taskID)
	}

	task := &store.Task{
		TaskID:         taskID,
		Definition:     canonical,
		ProvisionerID:  def.ProvisionerID,
		WorkerType:     def.WorkerType,
		SchedulerID:    def.SchedulerID,
		TaskGroupID:    def.TaskGroupID,
		Priority:       string(def.Priority),
		Deadline:       def.Deadline.Time,
		Expires:        def.Expires.Time,
		RetriesLeft:    def.Retries,
		UnresolvedDeps: len(dependencies),
	}
	initialPending := len(dependencies) == 0
	if initialPending {
		task.Runs = []types.Run{{
			RunID:         0,
			State:         types.RunPending,
			ReasonCreated: types.ReasonScheduled,
			Scheduled:     types.NewTime(e.now()),
		}}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		return e.resolveCreateCollision(ctx, taskID, canonical)
	}
	e.defcache.Add(taskID, def)

	if initialPending {
		if err := e.queues.PutPending(ctx, task.ProvisionerID, task.WorkerType,
			def.Priority, advisory.PendingPayload{TaskID: taskID, RunID: 0}); err != nil {
			return nil, err
		}
	}

	// task-defined always precedes any task-pending for this task
	if err := e.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskDefined, task.Status(), nil, "", "", def.Routes)); err != nil {
		return nil, err
	}

	if initialPending {
		runID := 0
		if err := e.bus.Publish(ctx, eventbus.TaskEvent(
			eventbus.TopicTaskPending, task.Status(), &runID, "", "", def.Routes)); err != nil {
			return nil, err
		}
		return task.Status(), nil
	}

	if err := e.tracker.TrackWith(ctx, task, dependencies, def.Requires); err != nil {
		return nil, err
	}
	// tracking may have scheduled the task already
	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Status(), nil
}

// resolveCreateCollision settles an EntityAlreadyExists: identical
// definitions replay as a success, different ones are a conflict carrying
// both definitions.
func (e *Engine) resolveCreateCollision(ctx context.Context, taskID string, canonical []byte) (*types.TaskStatus, error) {
	existing, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(existing.Definition, canonical) {
		return nil, qerrors.NewConflict("taskId %s already used by a different task", taskID).
			WithDetail("requested", json.RawMessage(canonical)).
			WithDetail("existing", json.RawMessage(existing.Definition))
	}
	// the membership insert above re-armed the active set; undo it when the
	// existing task already resolved, its removal has long happened
	if existing.State().IsResolved() {
		if _, _, err := e.store.RemoveActiveMember(ctx, existing.TaskGroupID, taskID); err != nil {
			return nil, err
		}
	}
	return existing.Status(), nil
}

func (e *Engine) ensureTaskGroup(ctx context.Context, def *types.TaskDefinition) error {
	wantExpires := def.Expires.Add(types.TaskGroupExpiresExtension)
	group := &store.TaskGroup{
		TaskGroupID: def.TaskGroupID,
		SchedulerID: def.SchedulerID,
		Expires:     wantExpires,
	}
	err := e.store.CreateTaskGroup(ctx, group)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}

	existing, err := e.store.GetTaskGroup(ctx, def.TaskGroupID)
	if err != nil {
		return err
	}
	if existing.SchedulerID != def.SchedulerID {
		return qerrors.NewConflict(
			"taskGroupId %s belongs to schedulerId %s, not %s",
			def.TaskGroupID, existing.SchedulerID, def.SchedulerID)
	}
	if !wantExpires.After(existing.Expires) {
		return nil
	}
	_, err = e.store.ModifyTaskGroup(ctx, def.TaskGroupID, func(g *store.TaskGroup) error {
		if g.SchedulerID != def.SchedulerID {
			return qerrors.NewConflict(
				"taskGroupId %s belongs to schedulerId %s, not %s",
				def.TaskGroupID, g.SchedulerID, def.SchedulerID)
		}
		if wantExpires.After(g.Expires) {
			g.Expires = wantExpires
		}
		return nil
	})
	return err
}

func (e *Engine) ensureMembership(ctx context.Context, taskID string, def *types.TaskDefinition) error {
	member := &store.TaskGroupMember{
		TaskGroupID: def.TaskGroupID,
		TaskID:      taskID,
		Expires:     def.Expires.Time,
	}
	if err := e.store.AddGroupMember(ctx, member); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}

	active := &store.TaskGroupActiveMember{
		TaskGroupID: def.TaskGroupID,
		TaskID:      taskID,
		Expires:     def.Expires.Time,
	}
	err := e.store.AddActiveMember(ctx, active)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	// a duplicate with a different expiry is a taskId collision, not a replay
	existing, err := e.store.GetActiveMember(ctx, def.TaskGroupID, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // raced with the resolved resolver, harmless
		}
		return err
	}
	if !existing.Expires.Equal(def.Expires.Time) {
		return qerrors.NewConflict("taskId %s already exists with a different expiration", taskID)
	}
	return nil
}

// ScheduleTask force-schedules a task regardless of its remaining
// dependencies.
func (e *Engine) ScheduleTask(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	status, err := e.tracker.ScheduleTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, qerrors.NewConflict("task %s is past its deadline", taskID)
	}
	return status, nil
}

// RerunTask appends a fresh pending run after the previous one resolved.
func (e *Engine) RerunTask(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	now := types.NewTime(e.now())

	rerun := false
	var newRunID int
	task, err := e.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		rerun = false
		if !now.Time.Before(task.Deadline) {
			return errPastDeadline
		}
		last := task.LastRun()
		if last != nil && !last.State.IsTerminal() {
			return nil // already active, replayed rerun
		}
		if last == nil {
			return qerrors.NewConflict("task %s has never been scheduled", taskID)
		}
		if len(task.Runs) >= types.MaxRunsAllowed {
			return qerrors.NewConflict("task %s has reached the maximum of %d runs", taskID, types.MaxRunsAllowed)
		}
		def, err := task.Def()
		if err != nil {
			return err
		}
		if left := types.MaxRunsAllowed - len(task.Runs) - 1; def.Retries < left {
			task.RetriesLeft = def.Retries
		} else {
			task.RetriesLeft = left
		}
		newRunID = len(task.Runs)
		task.Runs = append(task.Runs, types.Run{
			RunID:         newRunID,
			State:         types.RunPending,
			ReasonCreated: types.ReasonRerun,
			Scheduled:     now,
		})
		rerun = true
		return nil
	})
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	if rerun {
		if err := e.emitPendingRun(ctx, task, newRunID); err != nil {
			return nil, err
		}
	}
	return task.Status(), nil
}

// CancelTask resolves the active (or never-scheduled) run as
// exception/canceled. Canceling an already resolved task changes nothing.
func (e *Engine) CancelTask(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	now := types.NewTime(e.now())

	canceled := false
	var canceledRun int
	task, err := e.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		canceled = false
		if !now.Time.Before(task.Deadline) {
			return errPastDeadline
		}
		last := task.LastRun()
		switch {
		case last == nil:
			task.Runs = append(task.Runs, types.Run{
				RunID:          0,
				State:          types.RunException,
				ReasonCreated:  types.ReasonExceptionCreate,
				ReasonResolved: types.ResolvedCanceled,
				Scheduled:      now,
				Resolved:       &now,
			})
			canceled, canceledRun = true, 0
		case !last.State.IsTerminal():
			last.State = types.RunException
			last.ReasonResolved = types.ResolvedCanceled
			last.Resolved = &now
			task.TakenUntil = time.Time{}
			canceled, canceledRun = true, last.RunID
		}
		return nil
	})
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	if canceled {
		if err := e.emitResolved(ctx, task, canceledRun, types.TaskException, eventbus.TopicTaskException); err != nil {
			return nil, err
		}
	}
	return task.Status(), nil
}

// ReportCompleted resolves the running run as completed, provided every
// object-storage artifact of the run is present.
func (e *Engine) ReportCompleted(ctx context.Context, taskID string, runID int) (*types.TaskStatus, error) {
	artifacts, err := e.store.ListRunArtifacts(ctx, taskID, runID)
	if err != nil {
		return nil, err
	}
	for _, artifact := range artifacts {
		if artifact.StorageType == store.StorageTypeObject && !artifact.Present {
			return nil, qerrors.NewConflict(
				"artifact %s of task %s run %d has not been uploaded", artifact.Name, taskID, runID)
		}
	}
	return e.resolveRun(ctx, taskID, runID, types.RunCompleted, types.ResolvedCompleted,
		types.TaskCompleted, eventbus.TopicTaskCompleted)
}

// ReportFailed resolves the running run as failed.
func (e *Engine) ReportFailed(ctx context.Context, taskID string, runID int) (*types.TaskStatus, error) {
	return e.resolveRun(ctx, taskID, runID, types.RunFailed, types.ResolvedFailed,
		types.TaskFailed, eventbus.TopicTaskFailed)
}

// ReportException resolves the running run as an exception. A worker-shutdown
// or intermittent-task with retries left spends one retry on a fresh pending
// run instead of resolving the task.
func (e *Engine) ReportException(ctx context.Context, taskID string, runID int, reason types.ReasonResolved) (*types.TaskStatus, error) {
	valid := false
	for _, candidate := range types.ExceptionReasons() {
		if reason == candidate {
			valid = true
			break
		}
	}
	if !valid {
		return nil, qerrors.NewInputError("invalid exception reason %q", reason)
	}

	retriable := reason == types.ResolvedWorkerShutdown || reason == types.ResolvedIntermittentTask
	reasonCreated := types.ReasonRetry
	if reason == types.ResolvedIntermittentTask {
		reasonCreated = types.ReasonTaskRetry
	}

	now := types.NewTime(e.now())
	resolved, retried := false, false
	var newRunID int
	task, err := e.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		resolved, retried = false, false
		run, err := runToResolve(task, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return nil // replay against an already resolved run
		}
		run.State = types.RunException
		run.ReasonResolved = reason
		run.Resolved = &now
		task.TakenUntil = time.Time{}
		resolved = true

		if retriable && task.RetriesLeft > 0 {
			task.RetriesLeft--
			newRunID = len(task.Runs)
			task.Runs = append(task.Runs, types.Run{
				RunID:         newRunID,
				State:         types.RunPending,
				ReasonCreated: reasonCreated,
				Scheduled:     now,
			})
			retried = true
		}
		return nil
	})
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}

	switch {
	case retried:
		// the task lives on, so no task-exception and no resolved message
		if err := e.emitPendingRun(ctx, task, newRunID); err != nil {
			return nil, err
		}
	case resolved:
		if err := e.emitResolved(ctx, task, runID, types.TaskException, eventbus.TopicTaskException); err != nil {
			return nil, err
		}
	}
	return task.Status(), nil
}

func (e *Engine) resolveRun(ctx context.Context, taskID string, runID int, state types.RunState,
	reason types.ReasonResolved, resolution types.TaskState, topic eventbus.Topic,
) (*types.TaskStatus, error) {
	now := types.NewTime(e.now())

	resolved := false
	task, err := e.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		resolved = false
		run, err := runToResolve(task, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return nil
		}
		run.State = state
		run.ReasonResolved = reason
		run.Resolved = &now
		task.TakenUntil = time.Time{}
		resolved = true
		return nil
	})
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	if resolved {
		if err := e.emitResolved(ctx, task, runID, resolution, topic); err != nil {
			return nil, err
		}
	}
	return task.Status(), nil
}

// runToResolve locates the run a report* operation may resolve. A nil run
// with nil error means the run is already terminal (idempotent replay).
func runToResolve(task *store.Task, runID int) (*types.Run, error) {
	if runID < 0 || runID >= len(task.Runs) {
		return nil, errRunNotFound
	}
	run := &task.Runs[runID]
	if run.State.IsTerminal() {
		return nil, nil
	}
	if runID != len(task.Runs)-1 {
		return nil, qerrors.NewConflict("run %d of task %s is not the latest run", runID, task.TaskID)
	}
	if run.State != types.RunRunning {
		return nil, qerrors.NewConflict("run %d of task %s is %s, not running", runID, task.TaskID, run.State)
	}
	return run, nil
}

var (
	errPastDeadline = errors.New("task is past its deadline")
	errRunNotFound  = errors.New("run not found")
)

func (e *Engine) mapTaskError(err error, taskID string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return qerrors.NewNotFound("task %s not found", taskID)
	case errors.Is(err, errRunNotFound):
		return qerrors.NewNotFound("task %s has no such run", taskID)
	case errors.Is(err, errPastDeadline):
		return qerrors.NewConflict("task %s is past its deadline", taskID)
	default:
		return err
	}
}

// emitPendingRun puts the pending message and publishes task-pending for a
// freshly appended run, after commit.
func (e *Engine) emitPendingRun(ctx context.Context, task *store.Task, runID int) error {
	if err := e.queues.PutPending(ctx, task.ProvisionerID, task.WorkerType,
		types.Priority(task.Priority), advisory.PendingPayload{TaskID: task.TaskID, RunID: runID}); err != nil {
		return err
	}
	def, err := task.Def()
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskPending, task.Status(), &runID, "", "", def.Routes))
}

// emitResolved enqueues the resolved message and publishes the terminal
// topic, after commit.
func (e *Engine) emitResolved(ctx context.Context, task *store.Task, runID int, resolution types.TaskState, topic eventbus.Topic) error {
	if err := e.queues.PutResolved(ctx, advisory.ResolvedPayload{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  resolution,
	}); err != nil {
		return err
	}
	def, err := task.Def()
	if err != nil {
		return err
	}
	run := task.Runs[runID]
	return e.bus.Publish(ctx, eventbus.TaskEvent(
		topic, task.Status(), &runID, run.WorkerGroup, run.WorkerID, def.Routes))
}

// read side

// GetTaskDefinition serves definitions through the in-process LRU;
// definitions are immutable so cached entries never go stale.
func (e *Engine) GetTaskDefinition(ctx context.Context, taskID string) (*types.TaskDefinition, error) {
	if def, ok := e.defcache.Get(taskID); ok {
		return def, nil
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	def, err := task.Def()
	if err != nil {
		return nil, err
	}
	e.defcache.Add(taskID, def)
	return def, nil
}

func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	return task.Status(), nil
}

type TaskGroupListing struct {
	TaskGroupID       string              `json:"taskGroupId"`
	SchedulerID       string              `json:"schedulerId"`
	Expires           types.Time          `json:"expires"`
	Tasks             []*types.TaskStatus `json:"tasks"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

func (e *Engine) ListTaskGroup(ctx context.Context, taskGroupID string, continuation string, limit int) (*TaskGroupListing, error) {
	group, err := e.store.GetTaskGroup(ctx, taskGroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, qerrors.NewNotFound("task group %s not found", taskGroupID)
		}
		return nil, err
	}
	tasks, next, err := e.store.ListGroupTasks(ctx, taskGroupID, continuation, limit)
	if err != nil {
		return nil, err
	}
	listing := &TaskGroupListing{
		TaskGroupID:       taskGroupID,
		SchedulerID:       group.SchedulerID,
		Expires:           types.NewTime(group.Expires),
		Tasks:             make([]*types.TaskStatus, 0, len(tasks)),
		ContinuationToken: next,
	}
	for _, task := range tasks {
		// the group invariant makes this unreachable; a mismatch means the
		// row is corrupt, surface it rather than dropping silently
		if task.SchedulerID != group.SchedulerID {
			log.FromContextOrDiscard(ctx).Error(nil, "task group member with mismatched schedulerId",
				"taskGroup", taskGroupID, "task", task.TaskID, "schedulerId", task.SchedulerID)
		}
		listing.Tasks = append(listing.Tasks, task.Status())
	}
	return listing, nil
}

type DependentsListing struct {
	TaskID            string              `json:"taskId"`
	Dependents        []*types.TaskStatus `json:"tasks"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

// ListDependentTasks lists the tasks whose dependencies include taskID.
func (e *Engine) ListDependentTasks(ctx context.Context, taskID string, continuation string, limit int) (*DependentsListing, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, e.mapTaskError(err, taskID)
	}
	edges, next, err := e.store.ListDependents(ctx, taskID, continuation, limit)
	if err != nil {
		return nil, err
	}
	listing := &DependentsListing{TaskID: taskID, ContinuationToken: next}
	for _, edge := range edges {
		dependent, err := e.store.GetTask(ctx, edge.DependentTaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // dependent expired
			}
			return nil, err
		}
		listing.Dependents = append(listing.Dependents, dependent.Status())
	}
	return listing, nil
}

// PendingCount approximates the number of pending tasks for a worker type,
// summed across the priority buckets. Counts may lag by the count-cache ttl.
func (e *Engine) PendingCount(ctx context.Context, provisionerID, workerType string) (int, error) {
	total := 0
	for _, queue := range advisory.PendingQueues(provisionerID, workerType) {
		n, err := e.queues.Count(ctx, queue)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
