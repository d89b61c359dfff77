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

// Package advisory provides durable queues with visibility-timeout delivery.
// Messages are hints, never authority: handlers re-read the task row and
// verify the referenced state still matches before acting, so duplicates and
// stale deliveries are harmless.
package advisory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"taskhub.io/taskhub/pkg/queue/types"
)

const (
	QueueClaimExpiration = "claim-expiration"
	QueueDeadline        = "deadline"
	QueueResolved        = "resolved"
)

// PendingQueue names the pending bucket for one (provisioner, workerType,
// priority) triple. The priority buckets are separate queues so the dispatch
// side can drain higher priorities first.
func PendingQueue(provisionerID, workerType string, priority types.Priority) string {
	return strings.Join([]string{"pending", provisionerID, workerType, string(priority.Normalize())}, "/")
}

// PendingQueues lists the pending buckets highest priority first.
func PendingQueues(provisionerID, workerType string) []string {
	levels := types.PriorityLevels()
	out := make([]string, 0, len(levels))
	for _, level := range levels {
		out = append(out, PendingQueue(provisionerID, workerType, level))
	}
	return out
}

type Message struct {
	Payload      []byte
	Receipt      string
	VisibleUntil time.Time
}

type Queue interface {
	// Put enqueues payload for delivery no earlier than visibleAt,
	// at-least-once.
	Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error
	// Receive locks up to max visible messages for the visibility duration.
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error)
	// Delete removes a received message by its receipt.
	Delete(ctx context.Context, queue string, receipt string) error
	// Count approximates the number of visible messages.
	Count(ctx context.Context, queue string) (int, error)
}

// wire payloads, see the queue service contract

type PendingPayload struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
	HintID string `json:"hintId,omitempty"`
}

type ClaimPayload struct {
	TaskID     string     `json:"taskId"`
	RunID      int        `json:"runId"`
	TakenUntil types.Time `json:"takenUntil"`
}

type DeadlinePayload struct {
	TaskID   string     `json:"taskId"`
	Deadline types.Time `json:"deadline"`
}

type ResolvedPayload struct {
	TaskID      string          `json:"taskId"`
	TaskGroupID string          `json:"taskGroupId"`
	SchedulerID string          `json:"schedulerId"`
	Resolution  types.TaskState `json:"resolution"`
}

// Queues wraps a Queue with the typed puts the lifecycle performs. Visibility
// choices follow the wire contract: claim messages surface at takenUntil,
// deadline messages at the deadline, pending and resolved immediately.
type Queues struct {
	Queue
}

func NewQueues(q Queue) *Queues {
	return &Queues{Queue: q}
}

func (q *Queues) PutPending(ctx context.Context, provisionerID, workerType string, priority types.Priority, msg PendingPayload) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.Put(ctx, PendingQueue(provisionerID, workerType, priority), raw, time.Time{})
}

func (q *Queues) PutClaimExpiration(ctx context.Context, msg ClaimPayload) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.Put(ctx, QueueClaimExpiration, raw, msg.TakenUntil.Time)
}

func (q *Queues) PutDeadline(ctx context.Context, msg DeadlinePayload) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.Put(ctx, QueueDeadline, raw, msg.Deadline.Time)
}

func (q *Queues) PutResolved(ctx context.Context, msg ResolvedPayload) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.Put(ctx, QueueResolved, raw, time.Time{})
}

// CountCache decorates a Queue so repeated Count calls within the ttl reuse
// the last observed value.
type CountCache struct {
	Queue
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]countEntry
}

type countEntry struct {
	count int
	at    time.Time
}

func NewCountCache(q Queue) *CountCache {
	return &CountCache{
		Queue:   q,
		ttl:     types.PendingCountCacheTTL,
		now:     time.Now,
		entries: map[string]countEntry{},
	}
}

func (c *CountCache) Count(ctx context.Context, queue string) (int, error) {
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.entries[queue]; ok && now.Sub(entry.at) < c.ttl {
		c.mu.Unlock()
		return entry.count, nil
	}
	c.mu.Unlock()

	count, err := c.Queue.Count(ctx, queue)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.entries[queue] = countEntry{count: count, at: now}
	c.mu.Unlock()
	return count, nil
}
