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

package types

import "time"

const (
	// MaxRunsAllowed bounds the runs slice of a single task.
	MaxRunsAllowed = 50

	// MaxTaskDependencies bounds the dependency list of a single task.
	MaxTaskDependencies = 10000

	// CreatedSkew is the tolerated clock drift on task.created.
	CreatedSkew = 15 * time.Minute

	// MaxDeadlineHorizon is how far past task.created a deadline may reach.
	MaxDeadlineHorizon = 5 * 24 * time.Hour

	// DefaultExpiresAfterDeadline applies when a definition omits expires.
	DefaultExpiresAfterDeadline = 365 * 24 * time.Hour

	// TaskGroupExpiresExtension keeps the group row alive past its newest
	// member so late listings still resolve.
	TaskGroupExpiresExtension = 6 * time.Hour

	// ClaimLongPoll is the upper bound on a claimWork wait.
	ClaimLongPoll = 20 * time.Second

	// PendingCountCacheTTL caps staleness of approximate pending counts.
	PendingCountCacheTTL = 20 * time.Second
)
