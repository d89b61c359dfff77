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

package eventbus

import (
	"context"
	"sync"
)

var _ Publisher = &MemoryBus{}

// MemoryBus records published events, used by tests to assert on transition
// ordering and by single-node runs that have no consumers.
type MemoryBus struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

// Published returns all events in publish order.
func (b *MemoryBus) Published() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByTopic filters published events by topic, in publish order.
func (b *MemoryBus) ByTopic(topic Topic) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []*Event{}
	for _, event := range b.events {
		if event.Topic == topic {
			out = append(out, event)
		}
	}
	return out
}

// Reset drops recorded events.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
