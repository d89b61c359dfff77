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

// Package registry tracks provisioner / worker-type / worker liveness as a
// side effect of claiming, plus per-worker quarantine and a bounded ring of
// recently claimed tasks.
package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/store"
)

const (
	// registry rows expire this long after they were last seen
	seenTTL = 96 * time.Hour

	// RecentTaskRingSize bounds the per-worker recent-task list.
	RecentTaskRingSize = 20
)

type Registry struct {
	store store.Store
	now   func() time.Time
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// WithNow overrides the clock, test hook.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WorkerSeen records a claim-side sighting of the full identifier chain and
// appends the claimed tasks to the worker's recent-task ring.
func (r *Registry) WorkerSeen(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, taskIDs ...string) error {
	now := r.now()
	expires := now.Add(seenTTL)

	if err := r.store.UpsertProvisioner(ctx, &store.Provisioner{
		ProvisionerID: provisionerID, LastSeen: now, Expires: expires,
	}); err != nil {
		return err
	}
	if err := r.store.UpsertWorkerType(ctx, &store.WorkerType{
		ProvisionerID: provisionerID, WorkerType: workerType, LastSeen: now, Expires: expires,
	}); err != nil {
		return err
	}
	_, err := r.store.ModifyWorker(ctx, provisionerID, workerType, workerGroup, workerID, true, func(w *store.Worker) error {
		if w.FirstClaim.IsZero() {
			w.FirstClaim = now
		}
		w.LastSeen = now
		if expires.After(w.Expires) {
			w.Expires = expires
		}
		w.RecentTasks = append(w.RecentTasks, taskIDs...)
		if overflow := len(w.RecentTasks) - RecentTaskRingSize; overflow > 0 {
			w.RecentTasks = w.RecentTasks[overflow:]
		}
		return nil
	})
	return err
}

// QuarantinedUntil reports the active quarantine of a worker, if any.
// Unknown workers are not quarantined.
func (r *Registry) QuarantinedUntil(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (time.Time, bool, error) {
	w, err := r.store.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if w.QuarantineUntil.After(r.now()) {
		return w.QuarantineUntil, true, nil
	}
	return time.Time{}, false, nil
}

// QuarantineWorker sets the quarantine horizon. A horizon in the past lifts
// the quarantine.
func (r *Registry) QuarantineWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, until time.Time) (*store.Worker, error) {
	w, err := r.store.ModifyWorker(ctx, provisionerID, workerType, workerGroup, workerID, false, func(w *store.Worker) error {
		w.QuarantineUntil = until
		if until.After(w.Expires) {
			w.Expires = until
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, qerrors.NewNotFound("worker %s/%s/%s/%s not found",
				provisionerID, workerType, workerGroup, workerID)
		}
		return nil, err
	}
	return w, nil
}

func (r *Registry) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*store.Worker, error) {
	w, err := r.store.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, qerrors.NewNotFound("worker %s/%s/%s/%s not found",
				provisionerID, workerType, workerGroup, workerID)
		}
		return nil, err
	}
	return w, nil
}

func (r *Registry) ListProvisioners(ctx context.Context, continuation string, limit int) ([]*store.Provisioner, string, error) {
	return r.store.ListProvisioners(ctx, continuation, limit)
}

func (r *Registry) ListWorkerTypes(ctx context.Context, provisionerID string, continuation string, limit int) ([]*store.WorkerType, string, error) {
	return r.store.ListWorkerTypes(ctx, provisionerID, continuation, limit)
}

func (r *Registry) ListWorkers(ctx context.Context, provisionerID, workerType string, continuation string, limit int) ([]*store.Worker, string, error) {
	return r.store.ListWorkers(ctx, provisionerID, workerType, continuation, limit)
}
