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

	"taskhub.io/taskhub/pkg/utils/retry"
)

var _ Publisher = &RetryingPublisher{}

// RetryingPublisher retries transient publish failures with capped backoff.
// The state change is already committed by the time Publish runs, so giving
// up here only delays consumers until the advisory resolver re-drives the
// transition.
type RetryingPublisher struct {
	next Publisher
}

func NewRetryingPublisher(next Publisher) *RetryingPublisher {
	return &RetryingPublisher{next: next}
}

func (p *RetryingPublisher) Publish(ctx context.Context, event *Event) error {
	return retry.Transient(func() error {
		return p.next.Publish(ctx, event)
	})
}
