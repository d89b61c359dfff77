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

// Package deps tracks the dependency graph between tasks and decides when a
// task becomes ready to run. Edges are stored in both lookup directions;
// readiness is a per-dependent unresolved counter whose decrements are owned
// by the exactly-once satisfied flip on each edge.
package deps

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

type Tracker struct {
	store  store.Store
	queues *advisory.Queues
	bus    eventbus.Publisher
	now    func() time.Time
}

func NewTracker(s store.Store, queues *advisory.Queues, bus eventbus.Publisher) *Tracker {
	return &Tracker{store: s, queues: queues, bus: bus, now: time.Now}
}

// WithNow overrides the clock, test hook.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// TrackDependencies records the forward and reverse edges of a freshly
// created unscheduled task, then settles the edges already resolved by now.
// Dependencies are created before their dependents by contract; a missing one
// is an input error.
func (t *Tracker) TrackDependencies(ctx context.Context, task *store.Task) error {
	def, err := task.Def()
	if err != nil {
		return errors.Wrap(err, "decode definition")
	}
	return t.TrackWith(ctx, task, def.Dependencies, def.Requires)
}

// TrackWith is TrackDependencies with an explicit dependency list, used by
// defineTask to add the implicit self-dependency on top of the definition.
func (t *Tracker) TrackWith(ctx context.Context, task *store.Task, dependencies []string, requires types.RequiresMode) error {
	if len(dependencies) == 0 {
		return nil
	}
	if requires == "" {
		requires = types.RequiresAllCompleted
	}

	edges := make([]store.DependencyEdge, 0, len(dependencies))
	for _, depID := range dependencies {
		if _, err := t.store.GetTask(ctx, depID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return qerrors.NewInputError("dependency %s of task %s does not exist", depID, task.TaskID)
			}
			return err
		}
		edges = append(edges, store.DependencyEdge{
			DependentTaskID: task.TaskID,
			RequiredTaskID:  depID,
			Requires:        string(requires),
			Expires:         task.Expires,
		})
	}
	if err := t.store.CreateDependencyEdges(ctx, edges); err != nil {
		return err
	}

	// settle edges whose dependency resolved before the edges existed, the
	// resolution fan-out could not have seen them; the state is re-read after
	// the edge write so a resolution cannot fall between the two
	for _, depID := range dependencies {
		dep, err := t.store.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // expired since the existence check
			}
			return err
		}
		if edgeSatisfied(requires, dep.State()) {
			if err := t.satisfyEdge(ctx, task.TaskID, depID); err != nil {
				return err
			}
		}
	}
	return nil
}

func edgeSatisfied(requires types.RequiresMode, resolution types.TaskState) bool {
	if requires == types.RequiresAllResolved {
		return resolution.IsResolved()
	}
	return resolution == types.TaskCompleted
}

// ResolveDependenciesOf fans a task resolution out to its dependents. Under
// all-completed a non-completed resolution dooms the dependent. Safe to call
// repeatedly with the same resolution.
func (t *Tracker) ResolveDependenciesOf(ctx context.Context, resolvedTaskID string, resolution types.TaskState) error {
	continuation := ""
	for {
		edges, next, err := t.store.ListDependents(ctx, resolvedTaskID, continuation, store.DefaultPageSize)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			requires := types.RequiresMode(edge.Requires)
			switch {
			case edgeSatisfied(requires, resolution):
				if err := t.satisfyEdge(ctx, edge.DependentTaskID, resolvedTaskID); err != nil {
					return err
				}
			case requires == types.RequiresAllCompleted && resolution.IsResolved():
				// a dependency that will never complete dooms the dependent
				if err := t.cancelDoomed(ctx, edge.DependentTaskID); err != nil {
					return err
				}
			}
		}
		if next == "" {
			return nil
		}
		continuation = next
	}
}

// satisfyEdge flips the edge and, when this call owns the flip, decrements
// the dependent's unresolved counter. Reaching zero schedules the dependent.
func (t *Tracker) satisfyEdge(ctx context.Context, dependentTaskID, requiredTaskID string) error {
	flipped, err := t.store.MarkEdgeSatisfied(ctx, dependentTaskID, requiredTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // edge expired underneath us
		}
		return err
	}
	if !flipped {
		return nil
	}

	task, err := t.store.ModifyTask(ctx, dependentTaskID, func(task *store.Task) error {
		if task.UnresolvedDeps > 0 {
			task.UnresolvedDeps--
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.UnresolvedDeps > 0 {
		return nil
	}
	_, err = t.ScheduleTask(ctx, dependentTaskID)
	return err
}

// ScheduleTask appends the initial pending run iff the task is currently
// unscheduled, emits the pending message and the task-pending event, and
// returns the task status. A past-deadline task yields a nil status; the
// deadline resolver owns its resolution.
func (t *Tracker) ScheduleTask(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	now := types.NewTime(t.now())

	scheduled := false
	task, err := t.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		scheduled = false
		if len(task.Runs) != 0 {
			return nil // already scheduled
		}
		if !now.Time.Before(task.Deadline) {
			return errPastDeadline
		}
		task.Runs = append(task.Runs, types.Run{
			RunID:         0,
			State:         types.RunPending,
			ReasonCreated: types.ReasonScheduled,
			Scheduled:     now,
		})
		scheduled = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errPastDeadline) {
			return nil, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, qerrors.NewNotFound("task %s not found", taskID)
		}
		return nil, err
	}

	if scheduled {
		if err := t.emitPending(ctx, task, 0); err != nil {
			return nil, err
		}
	}
	return task.Status(), nil
}

var errPastDeadline = errors.New("task is past its deadline")

// emitPending puts the pending message and publishes task-pending for runID,
// after the run is committed so the advisory invariant holds over a crash.
func (t *Tracker) emitPending(ctx context.Context, task *store.Task, runID int) error {
	err := t.queues.PutPending(ctx, task.ProvisionerID, task.WorkerType,
		types.Priority(task.Priority), advisory.PendingPayload{TaskID: task.TaskID, RunID: runID})
	if err != nil {
		return err
	}
	def, err := task.Def()
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskPending, task.Status(), &runID, "", "", def.Routes))
}

// cancelDoomed resolves a dependent that can no longer run, following the
// cancellation path: the active or absent run becomes exception/canceled.
func (t *Tracker) cancelDoomed(ctx context.Context, taskID string) error {
	now := types.NewTime(t.now())

	canceled := false
	var canceledRun int
	task, err := t.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		canceled = false
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
			canceled, canceledRun = true, last.RunID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !canceled {
		return nil
	}

	log.FromContextOrDiscard(ctx).Info("canceled doomed dependent", "task", taskID)
	if err := t.queues.PutResolved(ctx, advisory.ResolvedPayload{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  types.TaskException,
	}); err != nil {
		return err
	}
	def, err := task.Def()
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskException, task.Status(), &canceledRun, "", "", def.Routes))
}
