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

package scaledown

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
)

// Controller reaps runner instances in two phases per pass. Phase one
// terminates orphans marked on an earlier pass after a last upstream check,
// phase two walks the active fleet and retires idle capacity.
type Controller struct {
	instanceProvider instance.Provider
	githubProvider   github.Provider
	clock            clock.Clock
}

func NewController(instanceProvider instance.Provider, githubProvider github.Provider, clk clock.Clock) *Controller {
	return &Controller{
		instanceProvider: instanceProvider,
		githubProvider:   githubProvider,
		clock:            clk,
	}
}

func (c *Controller) Name() string {
	return "scaledown"
}

func (c *Controller) Reconcile(ctx context.Context) error {
	instances, err := c.instanceProvider.List(ctx)
	if err != nil {
		return fmt.Errorf("listing managed instances, %w", err)
	}
	// EC2 cannot filter on tag absence, partition client side
	orphans, active := lo.FilterReject(instances, func(i *instance.Instance, _ int) bool {
		return i.IsOrphan()
	})
	clients := newClientCache(c.githubProvider)
	return multierr.Combine(
		c.terminateOrphans(ctx, clients, orphans),
		c.evaluateFleet(ctx, clients, active),
	)
}

// terminateOrphans gives every marked instance one last upstream check before
// it goes. Instances that never registered have nothing to check.
func (c *Controller) terminateOrphans(ctx context.Context, clients *clientCache, orphans []*instance.Instance) error {
	var errs error
	for _, inst := range orphans {
		ctx := log.IntoContext(ctx, log.FromContext(ctx, "instance", inst.ID, "owner", inst.Owner()))
		runnerID := inst.RunnerID()
		if runnerID == "" {
			errs = multierr.Append(errs, c.terminate(ctx, inst, reasonOrphan))
			continue
		}
		confirmed, err := c.confirmOrphan(ctx, clients, inst, runnerID)
		if err != nil {
			log.FromContext(ctx).Error(err, "checking orphan upstream, leaving it for the next pass", "runner-id", runnerID)
			continue
		}
		if confirmed {
			errs = multierr.Append(errs, c.terminate(ctx, inst, reasonOrphan))
			continue
		}
		// False positive, the runner re-registered between passes
		log.FromContext(ctx).Info("clearing orphan mark, runner is healthy upstream", "runner-id", runnerID)
		orphansCleared.Inc()
		errs = multierr.Append(errs, c.instanceProvider.DeleteTags(ctx, inst.ID, []string{instance.OrphanTagKey}))
	}
	return errs
}

// confirmOrphan reports whether the upstream runner is really lost. Gone
// entirely counts, and so does offline while still marked busy, a state that
// never recovers.
func (c *Controller) confirmOrphan(ctx context.Context, clients *clientCache, inst *instance.Instance, runnerID string) (bool, error) {
	id, err := strconv.ParseInt(runnerID, 10, 64)
	if err != nil {
		// The id tag is unreadable, the instance cannot be verified
		log.FromContext(ctx).Error(err, "parsing runner id tag", "runner-id", runnerID)
		return true, nil
	}
	client, err := clients.clientFor(ctx, inst)
	if err != nil {
		return false, err
	}
	runner, err := client.GetRunner(ctx, id)
	if err != nil {
		if github.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return runner.Status == github.RunnerStatusOffline && runner.Busy, nil
}

// evaluateFleet walks the unmarked fleet owner by owner in eviction order.
// The idle quota of the active rule spans all owners and preserves the front
// of the walk.
func (c *Controller) evaluateFleet(ctx context.Context, clients *clientCache, active []*instance.Instance) error {
	now := c.clock.Now()
	rule := activeIdleRule(ctx, options.FromContext(ctx).IdleConfig, now)
	quota := rule.IdleCount
	var errs error
	for _, group := range groupByOwner(active) {
		sortByEvictionOrder(group, rule.EvictionStrategy)
		for _, inst := range group {
			errs = multierr.Append(errs, c.evaluateInstance(ctx, clients, inst, now, &quota))
		}
	}
	return errs
}

func (c *Controller) evaluateInstance(ctx context.Context, clients *clientCache, inst *instance.Instance, now time.Time, quota *int) error {
	opts := options.FromContext(ctx)
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "instance", inst.ID, "owner", inst.Owner()))
	client, runners, err := clients.runnersFor(ctx, inst)
	if err != nil {
		// Without the upstream listing a booted instance cannot be told apart
		// from an orphan, skip the evaluation for this pass
		log.FromContext(ctx).Error(err, "listing upstream runners")
		return nil
	}
	matched := lo.Filter(runners, func(r *github.Runner, _ int) bool {
		return strings.HasSuffix(r.Name, inst.ID)
	})
	if len(matched) == 0 {
		if now.Sub(inst.LaunchTime) >= opts.BootTimeMargin {
			log.FromContext(ctx).Info("instance never registered upstream, marking it as orphan")
			orphansMarked.Inc()
			return c.instanceProvider.CreateTags(ctx, inst.ID, map[string]string{instance.OrphanTagKey: instance.OrphanTagValue})
		}
		// Still booting
		return nil
	}
	if now.Sub(inst.LaunchTime) < opts.MinimumRunningTime {
		log.FromContext(ctx).V(1).Info("keeping instance, minimum running time not reached")
		return nil
	}
	if *quota > 0 {
		*quota--
		log.FromContext(ctx).V(1).Info("keeping idle runner", "idle-quota-left", *quota)
		return nil
	}
	return c.removeIdleRunner(ctx, client, inst, matched)
}

// removeIdleRunner re-checks busyness directly to shrink the race with job
// assignment, de-registers every matched upstream runner, and terminates only
// once all of them are gone. A failed de-registration keeps the instance for
// the next pass.
func (c *Controller) removeIdleRunner(ctx context.Context, client github.Client, inst *instance.Instance, matched []*github.Runner) error {
	for _, runner := range matched {
		current, err := client.GetRunner(ctx, runner.ID)
		if err != nil {
			if github.IsNotFound(err) {
				continue
			}
			log.FromContext(ctx).Error(err, "re-checking runner, keeping the instance", "runner-id", runner.ID)
			return nil
		}
		if current.Busy {
			log.FromContext(ctx).V(1).Info("runner picked up a job, keeping the instance", "runner-id", runner.ID)
			return nil
		}
	}
	for _, runner := range matched {
		if err := client.DeleteRunner(ctx, runner.ID); err != nil && !github.IsNotFound(err) {
			log.FromContext(ctx).Error(err, "de-registering runner, keeping the instance", "runner-id", runner.ID)
			return nil
		}
	}
	return c.terminate(ctx, inst, reasonIdle)
}

func (c *Controller) terminate(ctx context.Context, inst *instance.Instance, reason string) error {
	if err := c.instanceProvider.Terminate(ctx, inst.ID); err != nil {
		return err
	}
	log.FromContext(ctx).Info("terminated instance", "instance", inst.ID, "reason", reason)
	terminatedInstances.WithLabelValues(reason).Inc()
	return nil
}

// activeIdleRule returns the first idle rule whose cron window covers now.
// Outside every window the zero rule applies, no idle quota and oldest first.
func activeIdleRule(ctx context.Context, rules []options.IdleRule, now time.Time) options.IdleRule {
	for _, rule := range rules {
		active, err := rule.Active(now)
		if err != nil {
			log.FromContext(ctx).Error(err, "evaluating idle rule", "cron", rule.Cron)
			continue
		}
		if active {
			return rule
		}
	}
	return options.IdleRule{EvictionStrategy: options.EvictionStrategyOldestFirst}
}

func groupByOwner(instances []*instance.Instance) [][]*instance.Instance {
	groups := lo.GroupBy(instances, func(i *instance.Instance) string { return i.Owner() })
	keys := lo.Keys(groups)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) []*instance.Instance { return groups[key] })
}

// sortByEvictionOrder orders a group for evaluation. The front of the order
// is preserved first, so oldest_first retires the newest instances once the
// idle quota runs out.
func sortByEvictionOrder(group []*instance.Instance, strategy string) {
	sort.SliceStable(group, func(i, j int) bool {
		if strategy == options.EvictionStrategyNewestFirst {
			return group[i].LaunchTime.After(group[j].LaunchTime)
		}
		return group[i].LaunchTime.Before(group[j].LaunchTime)
	})
}

// clientCache memoizes installation clients and runner listings for one
// reaper pass, collapsing upstream calls to one per scope.
type clientCache struct {
	provider github.Provider
	clients  map[string]github.Client
	runners  map[string][]*github.Runner
}

func newClientCache(provider github.Provider) *clientCache {
	return &clientCache{
		provider: provider,
		clients:  map[string]github.Client{},
		runners:  map[string][]*github.Runner{},
	}
}

func (c *clientCache) clientFor(ctx context.Context, inst *instance.Instance) (github.Client, error) {
	scope := github.ParseScope(inst.Owner())
	if client, ok := c.clients[scope.String()]; ok {
		return client, nil
	}
	client, err := c.provider.Client(ctx, scope, 0)
	if err != nil {
		return nil, err
	}
	c.clients[scope.String()] = client
	return client, nil
}

func (c *clientCache) runnersFor(ctx context.Context, inst *instance.Instance) (github.Client, []*github.Runner, error) {
	client, err := c.clientFor(ctx, inst)
	if err != nil {
		return nil, nil, err
	}
	key := client.Scope().String()
	if runners, ok := c.runners[key]; ok {
		return client, runners, nil
	}
	runners, err := client.ListRunners(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.runners[key] = runners
	return client, runners, nil
}
