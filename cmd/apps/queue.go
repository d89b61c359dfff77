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

package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"taskhub.io/taskhub/pkg/queue"
	"taskhub.io/taskhub/pkg/utils/config"
	"taskhub.io/taskhub/pkg/version"
)

func NewQueueCmd() *cobra.Command {
	options := queue.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "queue",
		Short:        "run the task queue",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return queue.Run(ctx, options)
		},
	}
	options.RegistFlags("", cmd.Flags())
	cmd.AddCommand(newGenConfigCmd(options))
	return cmd
}

func newGenConfigCmd(options *queue.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "genconfig",
		Short: "print a config file skeleton",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.GenerateConfig(options)
			return nil
		},
	}
}
