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
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/types"
)

// PendingCollector exposes the approximate pending depth per
// (provisioner, workerType, priority) bucket. Counts go through the shared
// count cache, so scraping stays cheap.
type PendingCollector struct {
	queues   *advisory.Queues
	registry *registry.Registry

	pendingDesc *prometheus.Desc
}

func NewPendingCollector(queues *advisory.Queues, reg *registry.Registry) *PendingCollector {
	return &PendingCollector{
		queues:   queues,
		registry: reg,
		pendingDesc: prometheus.NewDesc(
			"taskhub_queue_pending_tasks",
			"Approximate number of pending tasks per dispatch bucket",
			[]string{"provisioner_id", "worker_type", "priority"}, nil,
		),
	}
}

func (c *PendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingDesc
}

func (c *PendingCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	provisioners, _, err := c.registry.ListProvisioners(ctx, "", 0)
	if err != nil {
		log.Error(err, "collect pending metrics")
		return
	}
	for _, provisioner := range provisioners {
		workertypes, _, err := c.registry.ListWorkerTypes(ctx, provisioner.ProvisionerID, "", 0)
		if err != nil {
			log.Error(err, "collect pending metrics", "provisioner", provisioner.ProvisionerID)
			continue
		}
		for _, wt := range workertypes {
			for _, priority := range types.PriorityLevels() {
				n, err := c.queues.Count(ctx, advisory.PendingQueue(wt.ProvisionerID, wt.WorkerType, priority))
				if err != nil {
					continue
				}
				ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue,
					float64(n), wt.ProvisionerID, wt.WorkerType, string(priority))
			}
		}
	}
}
