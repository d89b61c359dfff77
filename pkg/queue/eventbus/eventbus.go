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

// Package eventbus publishes task transitions to topic exchanges. Delivery is
// at-least-once and consumers must tolerate duplicates; for a single task the
// publish order matches the committed transition order.
package eventbus

import (
	"context"
	"strconv"
	"strings"

	"taskhub.io/taskhub/pkg/queue/types"
)

type Topic string

const (
	TopicTaskDefined       Topic = "task-defined"
	TopicTaskPending       Topic = "task-pending"
	TopicTaskRunning       Topic = "task-running"
	TopicTaskCompleted     Topic = "task-completed"
	TopicTaskFailed        Topic = "task-failed"
	TopicTaskException     Topic = "task-exception"
	TopicTaskGroupResolved Topic = "task-group-resolved"
	TopicArtifactCreated   Topic = "artifact-created"
)

// Event carries one transition. The identifier fields feed the routing key,
// Routes adds one CC key per custom route, Payload is the topic's message
// body.
type Event struct {
	Topic Topic

	TaskID        string
	RunID         *int
	WorkerGroup   string
	WorkerID      string
	ProvisionerID string
	WorkerType    string
	SchedulerID   string
	TaskGroupID   string
	Routes        []string

	Payload interface{}
}

// RoutingKey encodes the identifier fields dot-joined with `_` placeholders
// for absent fields. The trailing segment is reserved for future use and
// always present so `#`-suffixed patterns keep matching.
func (e *Event) RoutingKey() string {
	runID := "_"
	if e.RunID != nil {
		runID = strconv.Itoa(*e.RunID)
	}
	parts := []string{
		"primary",
		orPlaceholder(e.TaskID),
		runID,
		orPlaceholder(e.WorkerGroup),
		orPlaceholder(e.WorkerID),
		orPlaceholder(e.ProvisionerID),
		orPlaceholder(e.WorkerType),
		orPlaceholder(e.SchedulerID),
		orPlaceholder(e.TaskGroupID),
		"_",
	}
	return strings.Join(parts, ".")
}

// CCKeys returns one `route.<r>` key per custom route on the task.
func (e *Event) CCKeys() []string {
	keys := make([]string, 0, len(e.Routes))
	for _, route := range e.Routes {
		keys = append(keys, "route."+route)
	}
	return keys
}

func orPlaceholder(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// message bodies per topic

// TaskMessage is the body of the task-* topics.
type TaskMessage struct {
	Status      *types.TaskStatus `json:"status"`
	RunID       *int              `json:"runId,omitempty"`
	WorkerGroup string            `json:"workerGroup,omitempty"`
	WorkerID    string            `json:"workerId,omitempty"`
}

type TaskGroupResolvedMessage struct {
	TaskGroupID string `json:"taskGroupId"`
	SchedulerID string `json:"schedulerId"`
}

type ArtifactCreatedMessage struct {
	Status   *types.TaskStatus `json:"status"`
	RunID    int               `json:"runId"`
	Artifact interface{}       `json:"artifact"`
}

// TaskEvent assembles an Event for a task-* topic from a status view.
func TaskEvent(topic Topic, status *types.TaskStatus, runID *int, workerGroup, workerID string, routes []string) *Event {
	return &Event{
		Topic:         topic,
		TaskID:        status.TaskID,
		RunID:         runID,
		WorkerGroup:   workerGroup,
		WorkerID:      workerID,
		ProvisionerID: status.ProvisionerID,
		WorkerType:    status.WorkerType,
		SchedulerID:   status.SchedulerID,
		TaskGroupID:   status.TaskGroupID,
		Routes:        routes,
		Payload: &TaskMessage{
			Status:      status,
			RunID:       runID,
			WorkerGroup: workerGroup,
			WorkerID:    workerID,
		},
	}
}
