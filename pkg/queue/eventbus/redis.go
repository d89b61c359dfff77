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
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"
)

var _ Publisher = &RedisPublisher{}

// RedisPublisher appends events to one stream per topic. Stream consumers
// filter by the routingKey field the same way exchange bindings would.
type RedisPublisher struct {
	prefix string
	cli    *redis.Client
}

func NewRedisPublisher(cli *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		prefix: "/task-events/",
		cli:    cli,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	return p.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: p.prefix + string(event.Topic),
		Values: map[string]interface{}{
			"routingKey": event.RoutingKey(),
			"ccKeys":     strings.Join(event.CCKeys(), " "),
			"payload":    payload,
		},
	}).Err()
}
