/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/jobretry"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/pool"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/scaledown"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/scaleup"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/termination"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	"github.com/runnerfleet/runnerfleet/pkg/providers/sqs"
	"github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

const pollingPeriod = 2 * time.Second

// Controller is a single reconciliation pass. Queue consumers reconcile one
// received batch, cron controllers one tick.
type Controller interface {
	Name() string
	Reconcile(ctx context.Context) error
}

// Runner owns the schedule of one controller and blocks in Start until the
// context ends.
type Runner interface {
	Start(ctx context.Context)
}

// NewControllers wires every configured control loop. The scale-up consumer
// and the reaper always run; retry, pool and the interruption watcher only
// when their configuration asks for them.
func NewControllers(ctx context.Context, clk clock.Clock, sqsapi sdk.SQSAPI,
	instanceProvider instance.Provider, ssmProvider ssm.Provider, githubProvider github.Provider) []Runner {
	opts := options.FromContext(ctx)
	provisioner := scaleup.NewProvisioner(instanceProvider, ssmProvider, clk)
	scaleUpQueue := sqs.NewDefaultProvider(sqsapi, opts.ScaleUpQueueURL)
	var retryQueue sqs.Provider
	if opts.JobRetry.Enable && opts.JobRetry.QueueURL != "" {
		retryQueue = sqs.NewDefaultProvider(sqsapi, opts.JobRetry.QueueURL)
	}
	runners := []Runner{
		NewPoller(scaleup.NewController(scaleUpQueue, retryQueue, githubProvider, instanceProvider, provisioner), clk),
		NewCronJob(opts.ScaleDownSchedule, scaledown.NewController(instanceProvider, githubProvider, clk)),
	}
	if retryQueue != nil {
		runners = append(runners, NewPoller(jobretry.NewController(retryQueue, scaleUpQueue, githubProvider), clk))
	}
	if opts.TerminationQueueURL != "" {
		runners = append(runners, NewPoller(termination.NewController(sqs.NewDefaultProvider(sqsapi, opts.TerminationQueueURL), instanceProvider), clk))
	}
	for _, rule := range opts.PoolConfig {
		runners = append(runners, NewCronJob(rule.Schedule, pool.NewController(rule.Size, githubProvider, instanceProvider, provisioner, clk)))
	}
	return runners
}

type poller struct {
	controller Controller
	clock      clock.Clock
}

// NewPoller drives a controller in a tight loop with a fixed pause between
// passes. Queue consumers long-poll inside Reconcile, so the pause only
// matters on empty receives and errors.
func NewPoller(controller Controller, clk clock.Clock) Runner {
	return &poller{controller: controller, clock: clk}
}

func (p *poller) Start(ctx context.Context) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "controller", p.controller.Name()))
	log.FromContext(ctx).Info("starting controller")
	for ctx.Err() == nil {
		if err := p.controller.Reconcile(ctx); err != nil {
			log.FromContext(ctx).Error(err, "reconciling")
		}
		select {
		case <-ctx.Done():
		case <-p.clock.After(pollingPeriod):
		}
	}
	log.FromContext(ctx).Info("stopped controller")
}

type cronJob struct {
	controller Controller
	schedule   string
}

// NewCronJob fires a controller on a five field cron schedule. A tick that
// lands while a pass is still running is skipped, passes never overlap.
func NewCronJob(schedule string, controller Controller) Runner {
	return &cronJob{controller: controller, schedule: schedule}
}

func (j *cronJob) Start(ctx context.Context) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "controller", j.controller.Name(), "schedule", j.schedule))
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := runner.AddFunc(j.schedule, func() {
		if err := j.controller.Reconcile(ctx); err != nil {
			log.FromContext(ctx).Error(err, "reconciling")
		}
	}); err != nil {
		log.FromContext(ctx).Error(err, "parsing schedule, controller will never run")
		return
	}
	log.FromContext(ctx).Info("starting controller")
	runner.Start()
	<-ctx.Done()
	// Wait for an in-flight pass before reporting the stop
	<-runner.Stop().Done()
	log.FromContext(ctx).Info("stopped controller")
}
