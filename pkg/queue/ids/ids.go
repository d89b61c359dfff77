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

package ids

import (
	"encoding/base64"
	"regexp"

	"github.com/google/uuid"
)

// Slug identifiers are URL-safe base64 of a 128-bit v4 uuid, 22 characters.
// The uuid version and variant bits surface in the encoded form, which is what
// the character classes below pin down.
var (
	slugRE       = regexp.MustCompile(`^[A-Za-z0-9_-]{8}[Q-T][A-Za-z0-9_-][CGKOSWaeimquy26-][A-Za-z0-9_-]{10}[AQgw]$`)
	identifierRE = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,38}$`)
	artifactRE   = regexp.MustCompile(`^[\x20-\x7e]+$`)
)

// NewSlugID returns a fresh 22-character slug identifier.
func NewSlugID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// IsSlugID reports whether s is a well-formed slug identifier.
func IsSlugID(s string) bool {
	return slugRE.MatchString(s)
}

// IsIdentifier reports whether s is a valid generic identifier
// (provisionerId, workerType, workerGroup, workerId, schedulerId).
func IsIdentifier(s string) bool {
	return identifierRE.MatchString(s)
}

// IsArtifactName reports whether s is a valid artifact name.
func IsArtifactName(s string) bool {
	return artifactRE.MatchString(s)
}
