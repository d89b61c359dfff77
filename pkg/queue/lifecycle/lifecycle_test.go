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

package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/ids"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

type fixture struct {
	store   *store.Memory
	queue   *advisory.MemoryQueue
	bus     *eventbus.MemoryBus
	engine  *Engine
	now     time.Time
	groupID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		queue:   advisory.NewMemoryQueue(),
		bus:     eventbus.NewMemoryBus(),
		now:     time.Now(),
		groupID: ids.NewSlugID(),
	}
	nowFn := func() time.Time { return f.now }
	f.queue.WithNow(nowFn)
	queues := advisory.NewQueues(f.queue)
	tracker := deps.NewTracker(f.store, queues, f.bus).WithNow(nowFn)
	f.engine = NewEngine(f.store, queues, f.bus, tracker).WithNow(nowFn)
	return f
}

func (f *fixture) definition(mutators ...func(*types.TaskDefinition)) *types.TaskDefinition {
	def := &types.TaskDefinition{
		ProvisionerID: "aws",
		WorkerType:    "build",
		SchedulerID:   "sched-1",
		TaskGroupID:   f.groupID,
		Priority:      types.PriorityLowest,
		Retries:       2,
		Created:       types.NewTime(f.now),
		Deadline:      types.NewTime(f.now.Add(time.Hour)),
		Payload:       json.RawMessage(`{"image":"builder:1"}`),
	}
	for _, mutate := range mutators {
		mutate(def)
	}
	return def
}

// startRun flips a pending run to running the way a claim would, so report*
// paths can be exercised without the claimer.
func (f *fixture) startRun(t *testing.T, taskID string, runID int) {
	t.Helper()
	now := types.NewTime(f.now)
	_, err := f.store.ModifyTask(context.Background(), taskID, func(task *store.Task) error {
		run := &task.Runs[runID]
		run.State = types.RunRunning
		run.Started = &now
		run.WorkerGroup = "wg"
		run.WorkerID = "w1"
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) receivePending(t *testing.T, def *types.TaskDefinition) []advisory.Message {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(),
		advisory.PendingQueue(def.ProvisionerID, def.WorkerType, def.Priority), 10, time.Minute)
	require.NoError(t, err)
	return msgs
}

func TestCreateTaskNoDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition()

	status, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, types.TaskPending, status.State)
	assert.Equal(t, types.ReasonScheduled, status.Runs[0].ReasonCreated)
	assert.Equal(t, 2, status.RetriesLeft)

	// pending message for run 0
	msgs := f.receivePending(t, def)
	require.Len(t, msgs, 1)
	payload := advisory.PendingPayload{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, taskID, payload.TaskID)
	assert.Equal(t, 0, payload.RunID)

	// deadline message scheduled at the deadline, invisible until then
	deadlineMsgs, err := f.queue.Receive(ctx, advisory.QueueDeadline, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, deadlineMsgs)

	// events in order: task-defined then task-pending
	events := f.bus.Published()
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.TopicTaskDefined, events[0].Topic)
	assert.Equal(t, eventbus.TopicTaskPending, events[1].Topic)
}

func TestCreateTaskIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	first, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	eventsBefore := len(f.bus.Published())

	replay, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, replay.TaskID)
	assert.Equal(t, first.State, replay.State)
	assert.Len(t, f.bus.Published(), eventsBefore, "a replay must not emit additional events")
}

func TestCreateTaskCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)

	_, err = f.engine.CreateTask(ctx, taskID, f.definition(func(def *types.TaskDefinition) {
		def.Payload = json.RawMessage(`{"image":"builder:2"}`)
	}))
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))

	// the conflict carries both definitions
	qerr := &qerrors.Error{}
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Details, "requested")
	assert.Contains(t, qerr.Details, "existing")
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		taskID string
		mutate func(*types.TaskDefinition)
	}{
		{name: "bad taskId", taskID: "not-a-slug", mutate: func(def *types.TaskDefinition) {}},
		{name: "scope double star", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Scopes = []string{"queue:route:**"}
		}},
		{name: "created too old", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Created = types.NewTime(f.now.Add(-time.Hour))
		}},
		{name: "deadline in the past", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Deadline = types.NewTime(f.now.Add(-time.Minute))
		}},
		{name: "deadline beyond horizon", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Deadline = types.NewTime(f.now.Add(6 * 24 * time.Hour))
		}},
		{name: "expires before deadline", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Expires = types.NewTime(f.now.Add(time.Minute))
		}},
		{name: "bad priority", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Priority = "urgent"
		}},
		{name: "negative retries", taskID: ids.NewSlugID(), mutate: func(def *types.TaskDefinition) {
			def.Retries = -1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateTask(ctx, tt.taskID, f.definition(tt.mutate))
			require.Error(t, err)
			assert.True(t, qerrors.IsInputError(err), "got %v", err)
		})
	}
}

func TestCreateTaskNormalPriorityRewritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition(func(def *types.TaskDefinition) { def.Priority = types.PriorityNormal })

	_, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PriorityLowest), task.Priority)

	msgs, err := f.queue.Receive(ctx, advisory.PendingQueue("aws", "build", types.PriorityLowest), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCreateTaskExpiresDefaulted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition()

	status, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)
	want := def.Deadline.Add(types.DefaultExpiresAfterDeadline)
	assert.True(t, status.Expires.Time.Equal(want), "expires defaults to deadline + 1y")
}

func TestTaskGroupSchedulerConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, ids.NewSlugID(), f.definition(func(def *types.TaskDefinition) {
		def.TaskGroupID = groupID
		def.SchedulerID = "sched-1"
	}))
	require.NoError(t, err)

	_, err = f.engine.CreateTask(ctx, ids.NewSlugID(), f.definition(func(def *types.TaskDefinition) {
		def.TaskGroupID = groupID
		def.SchedulerID = "sched-2"
	}))
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))

	// the group row is left unmodified
	group, err := f.store.GetTaskGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, "sched-1", group.SchedulerID)
}

func TestDependencyGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := ids.NewSlugID()
	t1, t2 := ids.NewSlugID(), ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, t1, f.definition(func(def *types.TaskDefinition) {
		def.TaskGroupID = groupID
	}))
	require.NoError(t, err)

	status, err := f.engine.CreateTask(ctx, t2, f.definition(func(def *types.TaskDefinition) {
		def.TaskGroupID = groupID
		def.Dependencies = []string{t1}
		def.Requires = types.RequiresAllCompleted
	}))
	require.NoError(t, err)
	assert.Equal(t, types.TaskUnscheduled, status.State)
	assert.Empty(t, status.Runs)

	// complete t1 and fan out
	f.startRun(t, t1, 0)
	_, err = f.engine.ReportCompleted(ctx, t1, 0)
	require.NoError(t, err)
	tracker := deps.NewTracker(f.store, advisory.NewQueues(f.queue), f.bus).
		WithNow(func() time.Time { return f.now })
	require.NoError(t, tracker.ResolveDependenciesOf(ctx, t1, types.TaskCompleted))

	got, err := f.engine.GetTaskStatus(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.State)

	// exactly one task-pending for t2
	pendings := 0
	for _, event := range f.bus.ByTopic(eventbus.TopicTaskPending) {
		if event.TaskID == t2 {
			pendings++
		}
	}
	assert.Equal(t, 1, pendings)
}

func TestDefineTaskStaysUnscheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	status, err := f.engine.DefineTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	assert.Equal(t, types.TaskUnscheduled, status.State)
	assert.Empty(t, status.Runs)
	assert.Empty(t, f.bus.ByTopic(eventbus.TopicTaskPending))

	// scheduleTask releases it despite the self-dependency
	status, err = f.engine.ScheduleTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, status.State)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskPending), 1)
}

func TestScheduleTaskPastDeadlineConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.DefineTask(ctx, taskID, f.definition())
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.engine.ScheduleTask(ctx, taskID)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))
}

func TestReportCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition()

	_, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	status, err := f.engine.ReportCompleted(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, status.State)
	assert.Equal(t, types.ResolvedCompleted, status.Runs[0].ReasonResolved)

	// task-completed event and resolved message
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskCompleted), 1)
	msgs, err := f.queue.Receive(ctx, advisory.QueueResolved, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	payload := advisory.ResolvedPayload{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, types.TaskCompleted, payload.Resolution)

	// replay: same status, no extra events
	replay, err := f.engine.ReportCompleted(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, status.State, replay.State)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskCompleted), 1)
}

func TestReportCompletedArtifactGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	require.NoError(t, f.store.CreateArtifact(ctx, &store.Artifact{
		TaskID: taskID, RunID: 0, Name: "public/build.tar.gz",
		StorageType: store.StorageTypeObject, Present: false,
		Expires: f.now.Add(time.Hour),
	}))

	_, err = f.engine.ReportCompleted(ctx, taskID, 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))

	// once uploaded, completion goes through
	_, err = f.store.ModifyArtifact(ctx, taskID, 0, "public/build.tar.gz", func(a *store.Artifact) error {
		a.Present = true
		return nil
	})
	require.NoError(t, err)
	_, err = f.engine.ReportCompleted(ctx, taskID, 0)
	require.NoError(t, err)
}

func TestReportFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	status, err := f.engine.ReportFailed(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, status.State)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskFailed), 1)
}

func TestReportFailedNotRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)

	// run 0 is pending, not running
	_, err = f.engine.ReportFailed(ctx, taskID, 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))

	_, err = f.engine.ReportFailed(ctx, taskID, 7)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))

	_, err = f.engine.ReportFailed(ctx, ids.NewSlugID(), 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))
}

func TestReportExceptionWorkerShutdownRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition() // retries=2

	_, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	status, err := f.engine.ReportException(ctx, taskID, 0, types.ResolvedWorkerShutdown)
	require.NoError(t, err)
	assert.Equal(t, 1, status.RetriesLeft)
	require.Len(t, status.Runs, 2)
	assert.Equal(t, types.RunException, status.Runs[0].State)
	assert.Equal(t, types.ResolvedWorkerShutdown, status.Runs[0].ReasonResolved)
	assert.Equal(t, types.RunPending, status.Runs[1].State)
	assert.Equal(t, types.ReasonRetry, status.Runs[1].ReasonCreated)
	assert.Equal(t, types.TaskPending, status.State)

	// task-pending for the new run, and no task-exception
	assert.Empty(t, f.bus.ByTopic(eventbus.TopicTaskException))
	pendings := f.bus.ByTopic(eventbus.TopicTaskPending)
	require.Len(t, pendings, 2) // run 0 at create, run 1 now
	require.NotNil(t, pendings[1].RunID)
	assert.Equal(t, 1, *pendings[1].RunID)

	// and a fresh pending message
	msgs := f.receivePending(t, def)
	require.Len(t, msgs, 2)
}

func TestReportExceptionIntermittentTaskRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	status, err := f.engine.ReportException(ctx, taskID, 0, types.ResolvedIntermittentTask)
	require.NoError(t, err)
	require.Len(t, status.Runs, 2)
	assert.Equal(t, types.ReasonTaskRetry, status.Runs[1].ReasonCreated)
}

func TestReportExceptionNoRetriesLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition(func(def *types.TaskDefinition) {
		def.Retries = 0
	}))
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	status, err := f.engine.ReportException(ctx, taskID, 0, types.ResolvedWorkerShutdown)
	require.NoError(t, err)
	assert.Equal(t, types.TaskException, status.State)
	require.Len(t, status.Runs, 1)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskException), 1)
}

func TestReportExceptionTerminalReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	f.startRun(t, taskID, 0)

	// malformed-payload never retries, retries left or not
	status, err := f.engine.ReportException(ctx, taskID, 0, types.ResolvedMalformedPayload)
	require.NoError(t, err)
	assert.Equal(t, types.TaskException, status.State)
	require.Len(t, status.Runs, 1)

	_, err = f.engine.ReportException(ctx, taskID, 0, "no-such-reason")
	require.Error(t, err)
	assert.True(t, qerrors.IsInputError(err))
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)

	status, err := f.engine.CancelTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskException, status.State)
	assert.Equal(t, types.ResolvedCanceled, status.Runs[0].ReasonResolved)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskException), 1)

	// canceling again changes nothing
	replay, err := f.engine.CancelTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, status.State, replay.State)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskException), 1)
}

func TestCancelUnscheduledTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.DefineTask(ctx, taskID, f.definition())
	require.NoError(t, err)

	status, err := f.engine.CancelTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, types.ReasonExceptionCreate, status.Runs[0].ReasonCreated)
	assert.Equal(t, types.ResolvedCanceled, status.Runs[0].ReasonResolved)
}

func TestRerunTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition()

	_, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)
	f.startRun(t, taskID, 0)
	_, err = f.engine.ReportFailed(ctx, taskID, 0)
	require.NoError(t, err)

	status, err := f.engine.RerunTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, status.Runs, 2)
	assert.Equal(t, types.ReasonRerun, status.Runs[1].ReasonCreated)
	assert.Equal(t, types.TaskPending, status.State)

	msgs := f.receivePending(t, def)
	assert.Len(t, msgs, 2)
}

func TestRerunTaskPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, taskID, f.definition())
	require.NoError(t, err)
	f.startRun(t, taskID, 0)
	_, err = f.engine.ReportFailed(ctx, taskID, 0)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.engine.RerunTask(ctx, taskID)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))
}

func TestGetTaskDefinitionCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := ids.NewSlugID()
	def := f.definition()

	_, err := f.engine.CreateTask(ctx, taskID, def)
	require.NoError(t, err)

	got, err := f.engine.GetTaskDefinition(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, def.ProvisionerID, got.ProvisionerID)
	assert.JSONEq(t, string(def.Payload), string(got.Payload))

	_, err = f.engine.GetTaskDefinition(ctx, ids.NewSlugID())
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))
}

func TestListTaskGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := ids.NewSlugID()

	for i := 0; i < 3; i++ {
		_, err := f.engine.CreateTask(ctx, ids.NewSlugID(), f.definition(func(def *types.TaskDefinition) {
			def.TaskGroupID = groupID
		}))
		require.NoError(t, err)
	}

	listing, err := f.engine.ListTaskGroup(ctx, groupID, "", 10)
	require.NoError(t, err)
	assert.Equal(t, "sched-1", listing.SchedulerID)
	assert.Len(t, listing.Tasks, 3)
	assert.Empty(t, listing.ContinuationToken)

	_, err = f.engine.ListTaskGroup(ctx, ids.NewSlugID(), "", 10)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))
}

func TestListDependentTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	required := ids.NewSlugID()
	dependent := ids.NewSlugID()

	_, err := f.engine.CreateTask(ctx, required, f.definition())
	require.NoError(t, err)
	_, err = f.engine.CreateTask(ctx, dependent, f.definition(func(def *types.TaskDefinition) {
		def.Dependencies = []string{required}
	}))
	require.NoError(t, err)

	listing, err := f.engine.ListDependentTasks(ctx, required, "", 10)
	require.NoError(t, err)
	require.Len(t, listing.Dependents, 1)
	assert.Equal(t, dependent, listing.Dependents[0].TaskID)
}

func TestPendingCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.CreateTask(ctx, ids.NewSlugID(), f.definition())
		require.NoError(t, err)
	}

	n, err := f.engine.PendingCount(ctx, "aws", "build")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
