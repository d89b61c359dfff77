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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestRedisQueuePutReceive(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t))

	require.NoError(t, q.Put(ctx, "deadline", []byte(`{"taskId":"t1"}`), time.Time{}))
	require.NoError(t, q.Put(ctx, "deadline", []byte(`{"taskId":"t2"}`), time.Time{}))

	msgs, err := q.Receive(ctx, "deadline", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"taskId":"t1"}`, string(msgs[0].Payload))

	// both messages are locked for a minute now
	again, err := q.Receive(ctx, "deadline", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisQueueVisibleAt(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t))

	require.NoError(t, q.Put(ctx, "deadline", []byte(`{}`), time.Now().Add(time.Hour)))

	msgs, err := q.Receive(ctx, "deadline", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs, "message must stay invisible until its visibleAt")

	n, err := q.Count(ctx, "deadline")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQueueDelete(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t))

	require.NoError(t, q.Put(ctx, "resolved", []byte(`{}`), time.Time{}))
	msgs, err := q.Receive(ctx, "resolved", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Delete(ctx, "resolved", msgs[0].Receipt))

	// even after the lock would have lapsed nothing comes back
	time.Sleep(5 * time.Millisecond)
	msgs, err = q.Receive(ctx, "resolved", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisQueueRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t))

	require.NoError(t, q.Put(ctx, "claim-expiration", []byte(`{"runId":0}`), time.Time{}))

	msgs, err := q.Receive(ctx, "claim-expiration", 1, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// not deleted, so after the visibility timeout it is redelivered
	time.Sleep(10 * time.Millisecond)
	msgs, err = q.Receive(ctx, "claim-expiration", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"runId":0}`, string(msgs[0].Payload))
}

func TestRedisQueueMax(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(ctx, "pending/p/w/lowest", []byte(`{}`), time.Time{}))
	}
	msgs, err := q.Receive(ctx, "pending/p/w/lowest", 3, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	n, err := q.Count(ctx, "pending/p/w/lowest")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "locked messages are not counted as visible")
}
