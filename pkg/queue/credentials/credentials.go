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

// Package credentials mints the temporary credentials a worker holds while
// it owns a claim. Tokens expire with the claim; reclaim refreshes them.
package credentials

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
	"taskhub.io/taskhub/pkg/queue/types"
)

type Credentials struct {
	ClientID    string     `json:"clientId"`
	AccessToken string     `json:"accessToken"`
	Expires     types.Time `json:"expires"`
}

type Minter interface {
	MintRunCredentials(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time) (*Credentials, error)
}

type Options struct {
	Secret string `json:"secret,omitempty" description:"signing secret for temporary run credentials"`
}

func NewDefaultOptions() *Options {
	return &Options{Secret: ""}
}

type JWTMinter struct {
	secret []byte
}

func NewJWTMinter(options *Options) (*JWTMinter, error) {
	if options.Secret == "" {
		return nil, errors.New("credentials: signing secret is required")
	}
	return &JWTMinter{secret: []byte(options.Secret)}, nil
}

func (m *JWTMinter) MintRunCredentials(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time) (*Credentials, error) {
	clientID := fmt.Sprintf("task-client/%s/%d/on/%s/%s", taskID, runID, workerGroup, workerID)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    clientID,
		"taskId": taskID,
		"runId":  runID,
		"exp":    takenUntil.Unix(),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, errors.Wrap(err, "sign run credentials")
	}
	return &Credentials{
		ClientID:    clientID,
		AccessToken: signed,
		Expires:     types.NewTime(takenUntil),
	}, nil
}

// Static mints fixed credentials, for tests and auth-less deployments.
type Static struct{}

func (Static) MintRunCredentials(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time) (*Credentials, error) {
	return &Credentials{
		ClientID:    fmt.Sprintf("task-client/%s/%d/on/%s/%s", taskID, runID, workerGroup, workerID),
		AccessToken: "static",
		Expires:     types.NewTime(takenUntil),
	}, nil
}
