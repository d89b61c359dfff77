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

package advisory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Queue = &MemoryQueue{}

// MemoryQueue holds messages in process, for tests and single-node runs. The
// visibility clock is injectable so expiry paths are testable without
// sleeping.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*memoryMessage
	now    func() time.Time
}

type memoryMessage struct {
	id        string
	payload   []byte
	visibleAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: map[string][]*memoryMessage{},
		now:    time.Now,
	}
}

// WithNow overrides the clock, test hook.
func (q *MemoryQueue) WithNow(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if visibleAt.IsZero() {
		visibleAt = q.now()
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	q.queues[queue] = append(q.queues[queue], &memoryMessage{
		id:        uuid.NewString(),
		payload:   buf,
		visibleAt: visibleAt,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	lockUntil := now.Add(visibility)

	out := []Message{}
	for _, msg := range q.queues[queue] {
		if len(out) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.visibleAt = lockUntil
		out = append(out, Message{
			Payload:      msg.payload,
			Receipt:      msg.id,
			VisibleUntil: lockUntil,
		})
	}
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, queue string, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[queue]
	for i, msg := range msgs {
		if msg.id == receipt {
			q.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Count(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for _, msg := range q.queues[queue] {
		if !msg.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}
