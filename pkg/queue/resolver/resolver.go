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

// Package resolver runs the three background loops that drive time-based
// transitions: claim expiration, deadline expiration, and resolution fan-out.
// Handlers are idempotent and stale-checked; a message is deleted only after
// its handler succeeds, so the visibility timeout retries everything else.
package resolver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

const (
	batchSize    = 32
	visibility   = 5 * time.Minute
	pollInterval = time.Second
)

type Resolvers struct {
	store   store.Store
	queues  *advisory.Queues
	bus     eventbus.Publisher
	tracker *deps.Tracker
	now     func() time.Time
}

func NewResolvers(s store.Store, queues *advisory.Queues, bus eventbus.Publisher, tracker *deps.Tracker) *Resolvers {
	return &Resolvers{
		store:   s,
		queues:  queues,
		bus:     bus,
		tracker: tracker,
		now:     time.Now,
	}
}

// WithNow overrides the clock, test hook.
func (r *Resolvers) WithNow(now func() time.Time) *Resolvers {
	r.now = now
	return r
}

// Run drives the three loops until ctx is done. In-flight handlers finish
// before the loops exit.
func (r *Resolvers) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.loop(ctx, advisory.QueueClaimExpiration, r.handleClaimExpiration) })
	eg.Go(func() error { return r.loop(ctx, advisory.QueueDeadline, r.handleDeadline) })
	eg.Go(func() error { return r.loop(ctx, advisory.QueueResolved, r.handleResolved) })
	return eg.Wait()
}

func (r *Resolvers) loop(ctx context.Context, queue string, handler func(context.Context, []byte) error) error {
	logger := log.FromContextOrDiscard(ctx).WithName(queue)
	logger.Info("starting resolver loop")
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.drain(ctx, queue, handler)
		if err != nil {
			logger.Error(err, "receive failed, backing off")
		}
		if n == 0 || err != nil {
			r.sleep(ctx, pollInterval)
		}
	}
}

func (r *Resolvers) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// drain receives one batch and handles it, deleting only handled messages.
func (r *Resolvers) drain(ctx context.Context, queue string, handler func(context.Context, []byte) error) (int, error) {
	msgs, err := r.queues.Receive(ctx, queue, batchSize, visibility)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if err := handler(ctx, msg.Payload); err != nil {
			// leave the message, the visibility timeout retries it
			log.FromContextOrDiscard(ctx).Error(err, "message handler failed", "queue", queue)
			continue
		}
		if err := r.queues.Delete(ctx, queue, msg.Receipt); err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}

// DrainOnce sweeps all three queues a single time, used by tests and by the
// shutdown path to finish visible work.
func (r *Resolvers) DrainOnce(ctx context.Context) error {
	for _, entry := range []struct {
		queue   string
		handler func(context.Context, []byte) error
	}{
		{advisory.QueueClaimExpiration, r.handleClaimExpiration},
		{advisory.QueueDeadline, r.handleDeadline},
		{advisory.QueueResolved, r.handleResolved},
	} {
		if _, err := r.drain(ctx, entry.queue, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

// handleClaimExpiration resolves a run whose worker vanished. The message is
// stale unless the run is still running with the exact takenUntil it names;
// a reclaim moved takenUntil forward and posted a fresh message.
func (r *Resolvers) handleClaimExpiration(ctx context.Context, payload []byte) error {
	msg := advisory.ClaimPayload{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.FromContextOrDiscard(ctx).Error(err, "undecodable claim-expiration message")
		return nil // never handleable, drop
	}

	now := types.NewTime(r.now())
	resolved, retried := false, false
	var newRunID int
	task, err := r.store.ModifyTask(ctx, msg.TaskID, func(task *store.Task) error {
		resolved, retried = false, false
		if msg.RunID < 0 || msg.RunID >= len(task.Runs) {
			return nil
		}
		run := &task.Runs[msg.RunID]
		if run.State != types.RunRunning || run.TakenUntil == nil || !run.TakenUntil.Equal(msg.TakenUntil) {
			return nil // stale hint
		}
		run.State = types.RunException
		run.ReasonResolved = types.ResolvedClaimExpired
		run.Resolved = &now
		task.TakenUntil = time.Time{}
		resolved = true

		if task.RetriesLeft > 0 {
			task.RetriesLeft--
			newRunID = len(task.Runs)
			task.Runs = append(task.Runs, types.Run{
				RunID:         newRunID,
				State:         types.RunPending,
				ReasonCreated: types.ReasonRetry,
				Scheduled:     now,
			})
			retried = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // task expired, nothing to resolve
		}
		return err
	}

	switch {
	case retried:
		log.FromContextOrDiscard(ctx).Info("claim expired, retrying",
			"task", msg.TaskID, "run", msg.RunID, "newRun", newRunID)
		return r.emitPendingRun(ctx, task, newRunID)
	case resolved:
		log.FromContextOrDiscard(ctx).Info("claim expired, no retries left",
			"task", msg.TaskID, "run", msg.RunID)
		return r.emitResolved(ctx, task, msg.RunID)
	default:
		return nil
	}
}

// handleDeadline resolves a task that reached its deadline unresolved. With
// an active run the run is resolved; with no runs a synthetic exception run
// is appended so the task still ends in a terminal state.
func (r *Resolvers) handleDeadline(ctx context.Context, payload []byte) error {
	msg := advisory.DeadlinePayload{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.FromContextOrDiscard(ctx).Error(err, "undecodable deadline message")
		return nil
	}

	now := types.NewTime(r.now())
	resolved := false
	var resolvedRun int
	task, err := r.store.ModifyTask(ctx, msg.TaskID, func(task *store.Task) error {
		resolved = false
		if !msg.Deadline.Equal(types.NewTime(task.Deadline)) {
			return nil // stale hint for some other task generation
		}
		last := task.LastRun()
		switch {
		case last == nil:
			task.Runs = append(task.Runs, types.Run{
				RunID:          0,
				State:          types.RunException,
				ReasonCreated:  types.ReasonExceptionCreate,
				ReasonResolved: types.ResolvedDeadlineExceeded,
				Scheduled:      now,
				Resolved:       &now,
			})
			resolved, resolvedRun = true, 0
		case !last.State.IsTerminal():
			last.State = types.RunException
			last.ReasonResolved = types.ResolvedDeadlineExceeded
			last.Resolved = &now
			task.TakenUntil = time.Time{}
			resolved, resolvedRun = true, last.RunID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !resolved {
		return nil
	}
	log.FromContextOrDiscard(ctx).Info("deadline exceeded", "task", msg.TaskID, "run", resolvedRun)
	return r.emitResolved(ctx, task, resolvedRun)
}

// handleResolved fans a resolution out to dependents and retires the task
// from its group's active set, publishing task-group-resolved when this
// removal empties the set.
func (r *Resolvers) handleResolved(ctx context.Context, payload []byte) error {
	msg := advisory.ResolvedPayload{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.FromContextOrDiscard(ctx).Error(err, "undecodable resolved message")
		return nil
	}

	if err := r.tracker.ResolveDependenciesOf(ctx, msg.TaskID, msg.Resolution); err != nil {
		return err
	}

	remaining, removed, err := r.store.RemoveActiveMember(ctx, msg.TaskGroupID, msg.TaskID)
	if err != nil {
		return err
	}
	if !removed || remaining > 0 {
		return nil
	}
	hasMembers, err := r.store.HasGroupMembers(ctx, msg.TaskGroupID)
	if err != nil {
		return err
	}
	if !hasMembers {
		return nil
	}
	log.FromContextOrDiscard(ctx).Info("task group resolved", "taskGroup", msg.TaskGroupID)
	return r.bus.Publish(ctx, &eventbus.Event{
		Topic:       eventbus.TopicTaskGroupResolved,
		TaskGroupID: msg.TaskGroupID,
		SchedulerID: msg.SchedulerID,
		Payload: &eventbus.TaskGroupResolvedMessage{
			TaskGroupID: msg.TaskGroupID,
			SchedulerID: msg.SchedulerID,
		},
	})
}

func (r *Resolvers) emitPendingRun(ctx context.Context, task *store.Task, runID int) error {
	if err := r.queues.PutPending(ctx, task.ProvisionerID, task.WorkerType,
		types.Priority(task.Priority), advisory.PendingPayload{TaskID: task.TaskID, RunID: runID}); err != nil {
		return err
	}
	def, err := task.Def()
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskPending, task.Status(), &runID, "", "", def.Routes))
}

func (r *Resolvers) emitResolved(ctx context.Context, task *store.Task, runID int) error {
	if err := r.queues.PutResolved(ctx, advisory.ResolvedPayload{
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
	run := task.Runs[runID]
	return r.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskException, task.Status(), &runID, run.WorkerGroup, run.WorkerID, def.Routes))
}
