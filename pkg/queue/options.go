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

package queue

import (
	"github.com/spf13/pflag"
	"taskhub.io/taskhub/pkg/queue/credentials"
	"taskhub.io/taskhub/pkg/utils"
	"taskhub.io/taskhub/pkg/utils/database"
	"taskhub.io/taskhub/pkg/utils/redis"
)

type Options struct {
	Listen      string               `json:"listen" description:"http listen address"`
	LogLevel    string               `json:"loglevel" description:"log level"`
	DebugMode   bool                 `json:"debugmode" description:"enable debug mode"`
	ExpireCron  string               `json:"expirecron" description:"cron spec for the expiry sweeps"`
	Mysql       *database.Options    `json:"mysql" head_comment:"row store backend, leave addr empty for in-memory"`
	Redis       *redis.Options       `json:"redis" head_comment:"advisory queue and event bus backend, leave addr empty for in-memory"`
	Credentials *credentials.Options `json:"credentials" head_comment:"temporary run credential signing"`
}

func DefaultOptions() *Options {
	return &Options{
		Listen:      ":8080",
		LogLevel:    "info",
		DebugMode:   false,
		ExpireCron:  "@hourly",
		Mysql:       database.NewDefaultOptions(),
		Redis:       redis.NewDefaultOptions(),
		Credentials: credentials.NewDefaultOptions(),
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, utils.JoinFlagName(prefix, "listen"), o.Listen, "http listen address")
	fs.StringVar(&o.LogLevel, utils.JoinFlagName(prefix, "loglevel"), o.LogLevel, "log level")
	fs.BoolVar(&o.DebugMode, utils.JoinFlagName(prefix, "debugmode"), o.DebugMode, "enable debug mode")
	fs.StringVar(&o.ExpireCron, utils.JoinFlagName(prefix, "expirecron"), o.ExpireCron, "cron spec for the expiry sweeps")
	o.Mysql.RegistFlags("mysql", fs)
	o.Redis.RegistFlags("redis", fs)
	fs.StringVar(&o.Credentials.Secret, utils.JoinFlagName(prefix, "credentials-secret"), o.Credentials.Secret, "signing secret for temporary run credentials")
}
