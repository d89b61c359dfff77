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

package claim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/credentials"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/ids"
	"taskhub.io/taskhub/pkg/queue/lifecycle"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

type fixture struct {
	store    *store.Memory
	queue    *advisory.MemoryQueue
	bus      *eventbus.MemoryBus
	engine   *lifecycle.Engine
	claimer  *Claimer
	registry *registry.Registry
	now      time.Time
	groupID  string
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
	f.registry = registry.NewRegistry(f.store).WithNow(nowFn)
	f.claimer = NewClaimer(f.store, queues, f.bus, f.registry, credentials.Static{}).
		WithNow(nowFn).WithLongPoll(0)
	return f
}

func (f *fixture) createTask(t *testing.T, priority types.Priority) string {
	t.Helper()
	taskID := ids.NewSlugID()
	_, err := f.engine.CreateTask(context.Background(), taskID, &types.TaskDefinition{
		ProvisionerID: "aws",
		WorkerType:    "build",
		SchedulerID:   "sched-1",
		TaskGroupID:   f.groupID,
		Priority:      priority,
		Retries:       1,
		Created:       types.NewTime(f.now),
		Deadline:      types.NewTime(f.now.Add(time.Hour)),
	})
	require.NoError(t, err)
	return taskID
}

func TestClaimWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, types.PriorityLowest)

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 4)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	claim := claims[0]
	assert.Equal(t, taskID, claim.Status.TaskID)
	assert.Equal(t, 0, claim.RunID)
	assert.Equal(t, types.TaskRunning, claim.Status.State)
	assert.Equal(t, "wg", claim.Status.Runs[0].WorkerGroup)
	require.NotNil(t, claim.Credentials)
	assert.True(t, claim.TakenUntil.Equal(types.NewTime(f.now.Add(DefaultClaimTimeout))))

	// the run transition is committed
	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.State())
	assert.True(t, task.TakenUntil.Equal(claim.TakenUntil.Time))

	// pending message consumed
	msgs, err := f.queue.Receive(ctx, advisory.PendingQueue("aws", "build", types.PriorityLowest), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// claim-expiration message surfaces exactly at takenUntil
	msgs, err = f.queue.Receive(ctx, advisory.QueueClaimExpiration, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	f.now = f.now.Add(DefaultClaimTimeout + time.Second)
	msgs, err = f.queue.Receive(ctx, advisory.QueueClaimExpiration, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	payload := advisory.ClaimPayload{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, taskID, payload.TaskID)
	assert.True(t, payload.TakenUntil.Equal(claim.TakenUntil))

	// task-running published
	running := f.bus.ByTopic(eventbus.TopicTaskRunning)
	require.Len(t, running, 1)
	assert.Equal(t, "w1", running[0].WorkerID)
}

func TestClaimWorkPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	low := f.createTask(t, types.PriorityLowest)
	high := f.createTask(t, types.PriorityHigh)
	highest := f.createTask(t, types.PriorityHighest)

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 2)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, highest, claims[0].Status.TaskID)
	assert.Equal(t, high, claims[1].Status.TaskID)

	claims, err = f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 2)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, low, claims[0].Status.TaskID)
}

func TestClaimWorkGhostMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, types.PriorityLowest)

	// claim it for real once
	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// forge a stale duplicate of the pending hint
	raw, _ := json.Marshal(advisory.PendingPayload{TaskID: taskID, RunID: 0})
	require.NoError(t, f.queue.Put(ctx,
		advisory.PendingQueue("aws", "build", types.PriorityLowest), raw, time.Time{}))

	claims, err = f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w2", 1)
	require.NoError(t, err)
	assert.Empty(t, claims, "a ghost message must not produce a claim")

	// and the ghost is gone
	n, err := f.queue.Count(ctx, advisory.PendingQueue("aws", "build", types.PriorityLowest))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the real claim is untouched
	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "w1", task.Runs[0].WorkerID)
}

func TestClaimWorkQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, types.PriorityLowest)

	// first claim registers the worker
	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)

	_, err = f.registry.QuarantineWorker(ctx, "aws", "build", "wg", "w1", f.now.Add(time.Hour))
	require.NoError(t, err)

	f.createTask(t, types.PriorityLowest)
	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, claims)

	// the pending task is still there for a healthy worker
	claims, err = f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w2", 1)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestClaimWorkRecordsRecentTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, types.PriorityLowest)

	_, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)

	worker, err := f.registry.GetWorker(ctx, "aws", "build", "wg", "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{taskID}, worker.RecentTasks)

	provisioners, _, err := f.registry.ListProvisioners(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, provisioners, 1)
	assert.Equal(t, "aws", provisioners[0].ProvisionerID)
}

func TestReclaimTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, types.PriorityLowest)

	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	original := claims[0].TakenUntil

	f.now = f.now.Add(10 * time.Minute)
	reclaim, err := f.claimer.ReclaimTask(ctx, taskID, 0)
	require.NoError(t, err)
	assert.True(t, reclaim.TakenUntil.After(original.Time), "takenUntil must advance")
	require.NotNil(t, reclaim.Credentials)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, task.TakenUntil.Equal(reclaim.TakenUntil.Time))
}

func TestReclaimTaskConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, types.PriorityLowest)

	// pending, not running
	_, err := f.claimer.ReclaimTask(ctx, taskID, 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))

	_, err = f.claimer.ReclaimTask(ctx, taskID, 5)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))

	_, err = f.claimer.ReclaimTask(ctx, ids.NewSlugID(), 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))

	// past deadline
	claims, err := f.claimer.ClaimWork(ctx, "aws", "build", "wg", "w1", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	f.now = f.now.Add(2 * time.Hour)
	_, err = f.claimer.ReclaimTask(ctx, taskID, 0)
	require.Error(t, err)
	assert.True(t, qerrors.IsConflict(err))
}
