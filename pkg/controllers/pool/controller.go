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

package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/runnerfleet/runnerfleet/pkg/controllers/scaleup"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
)

// Controller tops the warm pool of one schedule entry up to its target size.
// Each entry runs as its own cron job, so the controller carries the size and
// nothing else schedule specific.
type Controller struct {
	size             int
	githubProvider   github.Provider
	instanceProvider instance.Provider
	provisioner      *scaleup.Provisioner
	clock            clock.Clock
}

func NewController(size int, githubProvider github.Provider, instanceProvider instance.Provider, provisioner *scaleup.Provisioner, clk clock.Clock) *Controller {
	return &Controller{
		size:             size,
		githubProvider:   githubProvider,
		instanceProvider: instanceProvider,
		provisioner:      provisioner,
		clock:            clk,
	}
}

func (c *Controller) Name() string {
	return "pool"
}

func (c *Controller) Reconcile(ctx context.Context) error {
	opts := options.FromContext(ctx)
	scope := github.OrgScope(opts.RunnerOwner)
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "owner", scope.String()))
	client, err := c.githubProvider.Client(ctx, scope, 0)
	if err != nil {
		return fmt.Errorf("building client for %q, %w", scope, err)
	}
	runners, err := client.ListRunners(ctx)
	if err != nil {
		return fmt.Errorf("listing upstream runners, %w", err)
	}
	instances, err := c.instanceProvider.List(ctx,
		instance.OwnerFilter(scope.String()),
		instance.StateFilter(ec2types.InstanceStateNameRunning),
	)
	if err != nil {
		return fmt.Errorf("listing managed instances, %w", err)
	}
	pool := lo.CountBy(instances, func(i *instance.Instance) bool { return c.inPool(i, runners, opts.BootTimeMargin) })
	poolSize.WithLabelValues(scope.String()).Set(float64(pool))
	topUp := c.size - pool
	if topUp <= 0 {
		log.FromContext(ctx).V(1).Info("pool is at or above target", "target", c.size, "pool", pool)
		return nil
	}
	log.FromContext(ctx).Info("topping up pool", "target", c.size, "pool", pool, "top-up", topUp)
	created, _, err := c.provisioner.Launch(ctx, client, topUp, instance.CreatedByPool)
	createdInstances.Add(float64(len(created)))
	if err != nil {
		return fmt.Errorf("topping up pool, %w", err)
	}
	return nil
}

// inPool reports whether an instance counts towards the current pool size.
// A registered instance counts while its runner sits online and idle, an
// unregistered one while it may still be booting.
func (c *Controller) inPool(inst *instance.Instance, runners []*github.Runner, bootMargin time.Duration) bool {
	matched := lo.Filter(runners, func(r *github.Runner, _ int) bool {
		return strings.HasSuffix(r.Name, inst.ID)
	})
	if len(matched) == 0 {
		return c.clock.Since(inst.LaunchTime) < bootMargin
	}
	return lo.SomeBy(matched, func(r *github.Runner) bool {
		return r.Online() && !r.Busy
	})
}
