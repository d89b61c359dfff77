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

package lifecycle

import (
	"strings"

	"taskhub.io/taskhub/pkg/queue/ids"
	"taskhub.io/taskhub/pkg/queue/qerrors"
	"taskhub.io/taskhub/pkg/queue/types"
)

const maxRetries = 49

// validateDefinition checks and normalizes a definition in place: timestamps
// become canonical, the priority alias is rewritten, defaults are filled in.
// The normalized form is what gets persisted and compared on idempotent
// replays.
func (e *Engine) validateDefinition(taskID string, def *types.TaskDefinition) error {
	if !ids.IsSlugID(taskID) {
		return qerrors.NewInputError("taskId %q is not a valid slug identifier", taskID)
	}
	if !ids.IsIdentifier(def.ProvisionerID) {
		return qerrors.NewInputError("invalid provisionerId %q", def.ProvisionerID)
	}
	if !ids.IsIdentifier(def.WorkerType) {
		return qerrors.NewInputError("invalid workerType %q", def.WorkerType)
	}
	if def.SchedulerID == "" {
		def.SchedulerID = "-"
	}
	if !ids.IsIdentifier(def.SchedulerID) {
		return qerrors.NewInputError("invalid schedulerId %q", def.SchedulerID)
	}
	if def.TaskGroupID == "" {
		// a task with no group forms a group of its own
		def.TaskGroupID = taskID
	}
	if !ids.IsSlugID(def.TaskGroupID) {
		return qerrors.NewInputError("taskGroupId %q is not a valid slug identifier", def.TaskGroupID)
	}

	if len(def.Dependencies) > types.MaxTaskDependencies {
		return qerrors.NewInputError("task has %d dependencies, max is %d",
			len(def.Dependencies), types.MaxTaskDependencies)
	}
	for _, dep := range def.Dependencies {
		if !ids.IsSlugID(dep) {
			return qerrors.NewInputError("dependency %q is not a valid slug identifier", dep)
		}
	}
	if def.Requires == "" {
		def.Requires = types.RequiresAllCompleted
	}
	if !def.Requires.Valid() {
		return qerrors.NewInputError("invalid requires mode %q", def.Requires)
	}

	if !def.Priority.Valid() && def.Priority != "" {
		return qerrors.NewInputError("invalid priority %q", def.Priority)
	}
	def.Priority = def.Priority.Normalize()

	if def.Retries < 0 || def.Retries > maxRetries {
		return qerrors.NewInputError("retries must be within [0, %d], got %d", maxRetries, def.Retries)
	}

	for _, scope := range def.Scopes {
		if strings.HasSuffix(scope, "**") {
			return qerrors.NewInputError("scope %q ends with '**', which is not allowed", scope)
		}
	}
	for _, route := range def.Routes {
		if route == "" {
			return qerrors.NewInputError("routes must not be empty")
		}
	}

	return e.validateTimestamps(def)
}

func (e *Engine) validateTimestamps(def *types.TaskDefinition) error {
	now := e.now()

	def.Created = types.NewTime(def.Created.Time)
	def.Deadline = types.NewTime(def.Deadline.Time)

	if def.Created.IsZero() {
		return qerrors.NewInputError("created is required")
	}
	if skew := def.Created.Sub(now); skew > types.CreatedSkew || skew < -types.CreatedSkew {
		return qerrors.NewInputError("created %s is more than %s away from the present",
			def.Created.Format(types.TimeLayout), types.CreatedSkew)
	}
	if !def.Deadline.After(now) {
		return qerrors.NewInputError("deadline %s is in the past", def.Deadline.Format(types.TimeLayout))
	}
	if def.Deadline.Sub(def.Created.Time) > types.MaxDeadlineHorizon+types.CreatedSkew {
		return qerrors.NewInputError("deadline is more than %s past created", types.MaxDeadlineHorizon)
	}

	if def.Expires.IsZero() {
		def.Expires = types.NewTime(def.Deadline.Add(types.DefaultExpiresAfterDeadline))
	} else {
		def.Expires = types.NewTime(def.Expires.Time)
	}
	if def.Expires.Before(def.Deadline.Time) {
		return qerrors.NewInputError("expires must not precede deadline")
	}
	return nil
}

// createScopes lists the scope sets that authorize creating this task: one
// set per priority level from highest down to the requested one, so a caller
// holding a higher-priority scope may create at any lower priority.
func createScopes(def *types.TaskDefinition) [][]string {
	sets := [][]string{}
	for _, level := range types.PrioritiesUpTo(def.Priority) {
		sets = append(sets, []string{
			"queue:create-task:" + string(level) + ":" + def.ProvisionerID + "/" + def.WorkerType,
		})
	}
	return sets
}
