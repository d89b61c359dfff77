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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var _ Queue = &RedisQueue{}

// RedisQueue keeps one sorted set per queue, scored by the visible-at time in
// unix milliseconds. Receiving bumps the score past the visibility window in
// one script, so concurrent receivers never lock the same message twice.
type RedisQueue struct {
	prefix string
	cli    *redis.Client
}

func NewRedisQueue(cli *redis.Client) *RedisQueue {
	return &RedisQueue{
		prefix: "/advisory-queue/",
		cli:    cli,
	}
}

// envelope uniquifies the sorted-set member so identical payloads may be
// enqueued more than once. The ID starts with the zero-padded put time in
// nanoseconds, so members with equal scores sort in put order.
type envelope struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// KEYS[1] queue key, ARGV[1] now ms, ARGV[2] max, ARGV[3] lock-until ms
var receiveScript = redis.NewScript(`
local msgs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, m in ipairs(msgs) do
	redis.call('ZADD', KEYS[1], ARGV[3], m)
end
return msgs
`)

func (q *RedisQueue) key(queue string) string {
	return q.prefix + queue
}

func (q *RedisQueue) Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error {
	id := fmt.Sprintf("%019d-%s", time.Now().UnixNano(), uuid.NewString())
	member, err := json.Marshal(envelope{ID: id, Body: payload})
	if err != nil {
		return err
	}
	if visibleAt.IsZero() {
		visibleAt = time.Now()
	}
	return q.cli.ZAdd(ctx, q.key(queue), &redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: string(member),
	}).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	now := time.Now()
	lockUntil := now.Add(visibility)
	raw, err := receiveScript.Run(ctx, q.cli, []string{q.key(queue)},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(max),
		strconv.FormatInt(lockUntil.UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(raw))
	for _, member := range raw {
		env := envelope{}
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			// drop undecodable members, they can never be handled
			q.cli.ZRem(ctx, q.key(queue), member)
			continue
		}
		msgs = append(msgs, Message{
			Payload:      env.Body,
			Receipt:      member,
			VisibleUntil: lockUntil,
		})
	}
	return msgs, nil
}

func (q *RedisQueue) Delete(ctx context.Context, queue string, receipt string) error {
	return q.cli.ZRem(ctx, q.key(queue), receipt).Err()
}

func (q *RedisQueue) Count(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := q.cli.ZCount(ctx, q.key(queue), "-inf", now).Result()
	return int(n), err
}
