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

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/claim"
	"taskhub.io/taskhub/pkg/queue/credentials"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/ids"
	"taskhub.io/taskhub/pkg/queue/lifecycle"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

type fixture struct {
	store     *store.Memory
	queue     *advisory.MemoryQueue
	bus       *eventbus.MemoryBus
	engine    *lifecycle.Engine
	claimer   *claim.Claimer
	resolvers *Resolvers
	now       time.Time
	groupID   string
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
	f.engine = lifecycle.NewEngine(f.store, queues, f.bus, tracker).WithNow(nowFn)
	reg := registry.NewRegistry(f.store).WithNow(nowFn)
	f.claimer = claim.NewClaimer(f.store, queues, f.bus, reg, credentials.Static{}).
		WithNow(nowFn).WithLongPoll(0)
	f.resolvers = NewResolvers(f.store, queues, f.bus, tracker).WithNow(nowFn)
	return f
}

func (f *fixture) createTask(t *testing.T, mutators ...func(*types.TaskDefinition)) string {
	t.Helper()
	taskID := ids.NewSlugID()
	def := &types.TaskDefinition{
		ProvisionerID: "aws",
		WorkerType:    "build",
		SchedulerID:   "sched-1",
		TaskGroupID:   f.groupID,
		Priority:      types.PriorityLowest,
		Retries:       1,
		Created:       types.NewTime(f.now),
		Deadline:      types.NewTime(f.now.Add(time.Hour)),
	}
	for _, mutate := range mutators {
		mutate(def)
	}
	_, err := f.engine.CreateTask(context.Background(), taskID, def)
	require.NoError(t, err)
	return taskID
}

// Scenario: create, claim, complete; the resolved message retires the task
// from its group and the group resolves.
func TestCreateClaimComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t)

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	_, err = f.engine.ReportCompleted(ctx, taskID, 0)
	require.NoError(t, err)

	require.NoError(t, f.resolvers.DrainOnce(ctx))

	// the group emptied, so task-group-resolved fires exactly once
	groupEvents := f.bus.ByTopic(eventbus.TopicTaskGroupResolved)
	require.Len(t, groupEvents, 1)
	assert.Equal(t, f.groupID, groupEvents[0].TaskGroupID)

	// replaying the sweep publishes nothing more
	require.NoError(t, f.resolvers.DrainOnce(ctx))
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskGroupResolved), 1)
}

func TestGroupResolvedWaitsForAllMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.createTask(t)
	t2 := f.createTask(t)

	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 2)
	require.NoError(t, err)

	_, err = f.engine.ReportCompleted(ctx, t1, 0)
	require.NoError(t, err)
	require.NoError(t, f.resolvers.DrainOnce(ctx))
	assert.Empty(t, f.bus.ByTopic(eventbus.TopicTaskGroupResolved))

	_, err = f.engine.ReportCompleted(ctx, t2, 0)
	require.NoError(t, err)
	require.NoError(t, f.resolvers.DrainOnce(ctx))
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskGroupResolved), 1)
}

// Scenario: claim expiration without reclaim retries the run.
func TestClaimExpirationRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t) // retries=1

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// the worker disappears; move past takenUntil so the message surfaces
	f.now = f.now.Add(claim.DefaultClaimTimeout + time.Minute)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, task.Runs, 2)
	assert.Equal(t, types.RunException, task.Runs[0].State)
	assert.Equal(t, types.ResolvedClaimExpired, task.Runs[0].ReasonResolved)
	assert.Equal(t, types.RunPending, task.Runs[1].State)
	assert.Equal(t, types.ReasonRetry, task.Runs[1].ReasonCreated)
	assert.Equal(t, 0, task.RetriesLeft)

	// retry means no task-exception, a task-pending for run 1 instead
	assert.Empty(t, f.bus.ByTopic(eventbus.TopicTaskException))
	pendings := f.bus.ByTopic(eventbus.TopicTaskPending)
	require.NotEmpty(t, pendings)
	last := pendings[len(pendings)-1]
	require.NotNil(t, last.RunID)
	assert.Equal(t, 1, *last.RunID)
}

func TestClaimExpirationNoRetriesLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, func(def *types.TaskDefinition) { def.Retries = 0 })

	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)

	f.now = f.now.Add(claim.DefaultClaimTimeout + time.Minute)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	assert.Equal(t, types.TaskException, task.State())
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskException), 1)
}

// A reclaim invalidates the earlier claim-expiration message: its takenUntil
// no longer matches.
func TestClaimExpirationStaleAfterReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t)

	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	_, err = f.claimer.ReclaimTask(ctx, taskID, 0)
	require.NoError(t, err)

	// the original message surfaces at its takenUntil, but is stale now;
	// stay short of the reclaimed takenUntil so only the stale one shows
	f.now = f.now.Add(15 * time.Minute)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.State(), "a reclaimed run must survive the stale expiration")
}

// Scenario: deadline race; a dependency-gated task reaches its deadline with
// no runs, then the dependency resolves without resurrecting it.
func TestDeadlineRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocker := f.createTask(t)
	gated := f.createTask(t, func(def *types.TaskDefinition) {
		def.Dependencies = []string{blocker}
		def.Deadline = types.NewTime(f.now.Add(5 * time.Second))
	})

	// the short deadline passes while the dependency is still pending
	f.now = f.now.Add(10 * time.Second)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, gated)
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	assert.Equal(t, types.TaskException, task.State())
	assert.Equal(t, types.ResolvedDeadlineExceeded, task.Runs[0].ReasonResolved)
	assert.Equal(t, types.ReasonExceptionCreate, task.Runs[0].ReasonCreated)
	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskException), 1)

	// the dependency completes afterwards; the terminal task stays terminal
	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	_, err = f.engine.ReportCompleted(ctx, blocker, 0)
	require.NoError(t, err)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err = f.store.GetTask(ctx, gated)
	require.NoError(t, err)
	assert.Len(t, task.Runs, 1, "resolution fan-out must not add a run to a terminal task")
}

func TestDeadlineOnActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, func(def *types.TaskDefinition) {
		def.Deadline = types.NewTime(f.now.Add(30 * time.Minute))
	})

	// a long claim keeps the claim-expiration hint out of the window
	f.claimer.WithClaimTimeout(2 * time.Hour)
	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)

	f.now = f.now.Add(31 * time.Minute)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	assert.Equal(t, types.RunException, task.Runs[0].State)
	assert.Equal(t, types.ResolvedDeadlineExceeded, task.Runs[0].ReasonResolved)
}

func TestDeadlineAlreadyResolvedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t)

	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	_, err = f.engine.ReportCompleted(ctx, taskID, 0)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.State())
	assert.Empty(t, f.bus.ByTopic(eventbus.TopicTaskException))
}

// A new task submitted into an already-resolved group re-arms it; the group
// resolves a second time.
func TestGroupResolvedReemission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.createTask(t)
	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	_, err = f.engine.ReportCompleted(ctx, t1, 0)
	require.NoError(t, err)
	require.NoError(t, f.resolvers.DrainOnce(ctx))
	require.Len(t, f.bus.ByTopic(eventbus.TopicTaskGroupResolved), 1)

	t2 := f.createTask(t)
	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	_, err = f.engine.ReportCompleted(ctx, t2, 0)
	require.NoError(t, err)
	require.NoError(t, f.resolvers.DrainOnce(ctx))

	assert.Len(t, f.bus.ByTopic(eventbus.TopicTaskGroupResolved), 2)
}

func TestResolvedFanOutSchedulesDependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	required := f.createTask(t)
	dependent := f.createTask(t, func(def *types.TaskDefinition) {
		def.Dependencies = []string{required}
	})

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	_, err = f.engine.ReportCompleted(ctx, required, 0)
	require.NoError(t, err)

	require.NoError(t, f.resolvers.DrainOnce(ctx))

	task, err := f.store.GetTask(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.State())
}
