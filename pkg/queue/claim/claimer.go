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

// Package claim hands pending runs out to long-polling workers. Pending
// messages are hints: a message whose run is no longer pending is a ghost and
// is deleted without effect. The pending message itself is only deleted after
// the run transition commits, so a crash in between re-delivers instead of
// losing the run.
package claim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/credentials"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/queue/types"
)

const (
	// DefaultClaimTimeout is how long a worker owns a claim before it must
	// reclaim or lose the run.
	DefaultClaimTimeout = 20 * time.Minute

	pollInterval = time.Second
	maxClaims    = 32
)

type Claimer struct {
	store    store.Store
	queues   *advisory.Queues
	bus      eventbus.Publisher
	registry *registry.Registry
	minter   credentials.Minter

	claimTimeout time.Duration
	longPoll     time.Duration
	now          func() time.Time
}

func NewClaimer(s store.Store, queues *advisory.Queues, bus eventbus.Publisher, reg *registry.Registry, minter credentials.Minter) *Claimer {
	return &Claimer{
		store:        s,
		queues:       queues,
		bus:          bus,
		registry:     reg,
		minter:       minter,
		claimTimeout: DefaultClaimTimeout,
		longPoll:     types.ClaimLongPoll,
		now:          time.Now,
	}
}

// WithNow overrides the clock, test hook.
func (c *Claimer) WithNow(now func() time.Time) *Claimer {
	c.now = now
	return c
}

// WithLongPoll overrides the long-poll bound, test hook.
func (c *Claimer) WithLongPoll(d time.Duration) *Claimer {
	c.longPoll = d
	return c
}

// WithClaimTimeout overrides the claim duration.
func (c *Claimer) WithClaimTimeout(d time.Duration) *Claimer {
	c.claimTimeout = d
	return c
}

// Claim is one run handed to a worker.
type Claim struct {
	Status      *types.TaskStatus        `json:"status"`
	Task        json.RawMessage          `json:"task"`
	RunID       int                      `json:"runId"`
	WorkerGroup string                   `json:"workerGroup"`
	WorkerID    string                   `json:"workerId"`
	TakenUntil  types.Time               `json:"takenUntil"`
	Credentials *credentials.Credentials `json:"credentials"`
}

// ClaimWork long-polls for up to count pending runs, draining priority
// buckets highest first. The wait ends on work, on the long-poll bound, or
// when the caller's context is done, whichever comes first. Quarantined
// workers only get their sighting recorded.
func (c *Claimer) ClaimWork(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, count int) ([]*Claim, error) {
	if count < 1 {
		count = 1
	}
	if count > maxClaims {
		count = maxClaims
	}

	if _, quarantined, err := c.registry.QuarantinedUntil(ctx, provisionerID, workerType, workerGroup, workerID); err != nil {
		return nil, err
	} else if quarantined {
		if err := c.registry.WorkerSeen(ctx, provisionerID, workerType, workerGroup, workerID); err != nil {
			return nil, err
		}
		c.wait(ctx, c.longPoll)
		return []*Claim{}, nil
	}

	deadline := c.now().Add(c.longPoll)
	for {
		claims, err := c.claimPass(ctx, provisionerID, workerType, workerGroup, workerID, count)
		if err != nil {
			return nil, err
		}
		if len(claims) > 0 || ctx.Err() != nil || !c.now().Before(deadline) {
			taskIDs := make([]string, 0, len(claims))
			for _, claim := range claims {
				taskIDs = append(taskIDs, claim.Status.TaskID)
			}
			if err := c.registry.WorkerSeen(ctx, provisionerID, workerType, workerGroup, workerID, taskIDs...); err != nil {
				return nil, err
			}
			return claims, nil
		}
		c.wait(ctx, pollInterval)
	}
}

func (c *Claimer) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claimPass makes one sweep over the priority buckets, highest first.
func (c *Claimer) claimPass(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, count int) ([]*Claim, error) {
	claims := []*Claim{}
	for _, queue := range advisory.PendingQueues(provisionerID, workerType) {
		remaining := count - len(claims)
		if remaining <= 0 {
			break
		}
		msgs, err := c.queues.Receive(ctx, queue, remaining, c.claimTimeout)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			claim, err := c.claimOne(ctx, queue, msg, workerGroup, workerID)
			if err != nil {
				return nil, err
			}
			if claim != nil {
				claims = append(claims, claim)
			}
		}
	}
	return claims, nil
}

// claimOne binds one pending message to its run. Ghosts (messages whose run
// moved on) are deleted and skipped.
func (c *Claimer) claimOne(ctx context.Context, queue string, msg advisory.Message, workerGroup, workerID string) (*Claim, error) {
	payload := advisory.PendingPayload{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.FromContextOrDiscard(ctx).Error(err, "undecodable pending message", "queue", queue)
		return nil, c.queues.Delete(ctx, queue, msg.Receipt)
	}

	now := types.NewTime(c.now())
	takenUntil := types.NewTime(now.Add(c.claimTimeout))

	ghost := false
	task, err := c.store.ModifyTask(ctx, payload.TaskID, func(task *store.Task) error {
		ghost = false
		if payload.RunID < 0 || payload.RunID >= len(task.Runs) || task.Runs[payload.RunID].State != types.RunPending {
			ghost = true
			return nil
		}
		run := &task.Runs[payload.RunID]
		run.State = types.RunRunning
		run.Started = &now
		run.WorkerGroup = workerGroup
		run.WorkerID = workerID
		run.TakenUntil = &takenUntil
		task.TakenUntil = takenUntil.Time
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ghost = true
		} else {
			return nil, err
		}
	}
	if ghost {
		return nil, c.queues.Delete(ctx, queue, msg.Receipt)
	}

	// claim-expiration first, then delete the pending message: a crash here
	// leaves a duplicate hint, never an uncovered running run
	if err := c.queues.PutClaimExpiration(ctx, advisory.ClaimPayload{
		TaskID:     payload.TaskID,
		RunID:      payload.RunID,
		TakenUntil: takenUntil,
	}); err != nil {
		return nil, err
	}
	if err := c.queues.Delete(ctx, queue, msg.Receipt); err != nil {
		return nil, err
	}

	creds, err := c.minter.MintRunCredentials(payload.TaskID, payload.RunID, workerGroup, workerID, takenUntil.Time)
	if err != nil {
		return nil, err
	}
	def, err := task.Def()
	if err != nil {
		return nil, err
	}
	runID := payload.RunID
	if err := c.bus.Publish(ctx, eventbus.TaskEvent(
		eventbus.TopicTaskRunning, task.Status(), &runID, workerGroup, workerID, def.Routes)); err != nil {
		return nil, err
	}

	return &Claim{
		Status:      task.Status(),
		Task:        json.RawMessage(task.Definition),
		RunID:       payload.RunID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		TakenUntil:  takenUntil,
		Credentials: creds,
	}, nil
}

// Reclaim is the result of a successful takenUntil extension.
type Reclaim struct {
	Status      *types.TaskStatus        `json:"status"`
	RunID       int                      `json:"runId"`
	TakenUntil  types.Time               `json:"takenUntil"`
	Credentials *credentials.Credentials `json:"credentials"`
}

// ReclaimTask extends the claim on a running run and refreshes its
// credentials. The new takenUntil must advance strictly.
func (c *Claimer) ReclaimTask(ctx context.Context, taskID string, runID int) (*Reclaim, error) {
	now := types.NewTime(c.now())
	proposed := types.NewTime(now.Add(c.claimTimeout))

	var workerGroup, workerID string
	task, err := c.store.ModifyTask(ctx, taskID, func(task *store.Task) error {
		if runID < 0 || runID >= len(task.Runs) {
			return errRunNotFound
		}
		run := &task.Runs[runID]
		if runID != len(task.Runs)-1 || run.State != types.RunRunning {
			return qerrors.NewConflict("run %d of task %s is not running", runID, taskID)
		}
		if !now.Time.Before(task.Deadline) {
			return qerrors.NewConflict("task %s is past its deadline", taskID)
		}
		if run.TakenUntil != nil && !proposed.After(run.TakenUntil.Time) {
			return qerrors.NewConflict("reclaim of task %s run %d does not advance takenUntil", taskID, runID)
		}
		run.TakenUntil = &proposed
		task.TakenUntil = proposed.Time
		workerGroup, workerID = run.WorkerGroup, run.WorkerID
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, qerrors.NewNotFound("task %s not found", taskID)
		case errors.Is(err, errRunNotFound):
			return nil, qerrors.NewNotFound("task %s has no run %d", taskID, runID)
		default:
			return nil, err
		}
	}

	if err := c.queues.PutClaimExpiration(ctx, advisory.ClaimPayload{
		TaskID:     taskID,
		RunID:      runID,
		TakenUntil: proposed,
	}); err != nil {
		return nil, err
	}
	creds, err := c.minter.MintRunCredentials(taskID, runID, workerGroup, workerID, proposed.Time)
	if err != nil {
		return nil, err
	}
	return &Reclaim{
		Status:      task.Status(),
		RunID:       runID,
		TakenUntil:  proposed,
		Credentials: creds,
	}, nil
}

var errRunNotFound = errors.New("run not found")
