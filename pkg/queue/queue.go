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

// Package queue assembles the task queue process: the lifecycle engine and
// work claimer behind the HTTP surface, the three resolver loops, and the
// cron-driven expiry sweeps.
package queue

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"taskhub.io/taskhub/pkg/log"
	"taskhub.io/taskhub/pkg/queue/advisory"
	"taskhub.io/taskhub/pkg/queue/api"
	"taskhub.io/taskhub/pkg/queue/claim"
	"taskhub.io/taskhub/pkg/queue/credentials"
	"taskhub.io/taskhub/pkg/queue/deps"
	"taskhub.io/taskhub/pkg/queue/eventbus"
	"taskhub.io/taskhub/pkg/queue/lifecycle"
	"taskhub.io/taskhub/pkg/queue/registry"
	"taskhub.io/taskhub/pkg/queue/resolver"
	"taskhub.io/taskhub/pkg/queue/store"
	"taskhub.io/taskhub/pkg/utils/database"
	"taskhub.io/taskhub/pkg/utils/redis"
)

type Dependencies struct {
	Store  store.Store
	Queues *advisory.Queues
	Bus    eventbus.Publisher
	Minter credentials.Minter
}

func prepareDependencies(ctx context.Context, options *Options) (*Dependencies, error) {
	log.SetLevel(options.LogLevel)

	d := &Dependencies{}

	if options.Mysql.Addr == "" {
		log.Info("no mysql address configured, using the in-memory store")
		d.Store = store.NewMemory()
	} else {
		db, err := database.NewDatabase(options.Mysql)
		if err != nil {
			return nil, err
		}
		d.Store = store.NewGorm(db)
	}
	if err := d.Store.Migrate(ctx); err != nil {
		return nil, err
	}

	if options.Redis.Addr == "" {
		log.Info("no redis address configured, using in-memory queues")
		d.Queues = advisory.NewQueues(advisory.NewCountCache(advisory.NewMemoryQueue()))
		d.Bus = eventbus.NewMemoryBus()
	} else {
		rediscli, err := redis.NewClient(options.Redis)
		if err != nil {
			return nil, err
		}
		d.Queues = advisory.NewQueues(advisory.NewCountCache(advisory.NewRedisQueue(rediscli.Client)))
		d.Bus = eventbus.NewRetryingPublisher(eventbus.NewRedisPublisher(rediscli.Client))
	}

	if options.Credentials.Secret == "" {
		log.Warnf("no credentials secret configured, minting static run credentials")
		d.Minter = credentials.Static{}
	} else {
		minter, err := credentials.NewJWTMinter(options.Credentials)
		if err != nil {
			return nil, err
		}
		d.Minter = minter
	}
	return d, nil
}

func Run(ctx context.Context, options *Options) error {
	ctx = log.NewContext(ctx, log.LogrLogger)
	d, err := prepareDependencies(ctx, options)
	if err != nil {
		return err
	}

	tracker := deps.NewTracker(d.Store, d.Queues, d.Bus)
	engine := lifecycle.NewEngine(d.Store, d.Queues, d.Bus, tracker)
	reg := registry.NewRegistry(d.Store)
	claimer := claim.NewClaimer(d.Store, d.Queues, d.Bus, reg, d.Minter)
	resolvers := resolver.NewResolvers(d.Store, d.Queues, d.Bus, tracker)

	prometheus.MustRegister(NewPendingCollector(d.Queues, reg))

	if !options.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	handlers := &api.API{Engine: engine, Claimer: claimer, Registry: reg}
	handlers.Register(router.Group("/api/v1"))

	crontab := cron.New()
	if _, err := crontab.AddFunc(options.ExpireCron, func() {
		if err := RunExpirySweeps(ctx, d.Store); err != nil {
			log.Error(err, "expiry sweeps")
		}
	}); err != nil {
		return err
	}

	server := &http.Server{Addr: options.Listen, Handler: router}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("listening", "addr", options.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		return resolvers.Run(ctx)
	})
	eg.Go(func() error {
		crontab.Start()
		<-ctx.Done()
		<-crontab.Stop().Done()
		return nil
	})
	return eg.Wait()
}

const sweepBatch = 500

// RunExpirySweeps deletes rows whose expires horizon has passed: task groups,
// memberships, dependency edges, tasks, artifacts, and idle registry rows.
func RunExpirySweeps(ctx context.Context, s store.Store) error {
	now := time.Now()
	sweeps := []struct {
		name string
		fn   func(context.Context, time.Time, int) (int, error)
	}{
		{"tasks", s.ExpireTasks},
		{"task-groups", s.ExpireTaskGroups},
		{"group-members", s.ExpireGroupMembers},
		{"dependency-edges", s.ExpireDependencyEdges},
		{"artifacts", s.ExpireArtifacts},
		{"workers", s.ExpireWorkers},
	}
	for _, sweep := range sweeps {
		total := 0
		for {
			n, err := sweep.fn(ctx, now, sweepBatch)
			if err != nil {
				return err
			}
			total += n
			if n < sweepBatch {
				break
			}
		}
		if total > 0 {
			log.Info("expired rows", "kind", sweep.name, "count", total)
		}
	}
	return nil
}
