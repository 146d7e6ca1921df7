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

package scaleup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	"github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

const (
	// Parameter store writes above roughly 40/s get throttled. Launches that
	// large space their secret writes out instead of racing the limit.
	pacedWriteThreshold = 40
	secretWritePacing   = 25 * time.Millisecond

	maxConcurrentSecretWrites = 10
)

// Provisioner owns the shared runner creation path, one fleet request for a
// scope followed by per-instance registration secrets. The scale-up
// dispatcher and the pool loop both launch through it.
type Provisioner struct {
	instanceProvider instance.Provider
	ssmProvider      ssm.Provider
	clock            clock.Clock
}

func NewProvisioner(instanceProvider instance.Provider, ssmProvider ssm.Provider, clk clock.Clock) *Provisioner {
	return &Provisioner{
		instanceProvider: instanceProvider,
		ssmProvider:      ssmProvider,
		clock:            clk,
	}
}

// Launch creates count runner instances for the client's scope and writes one
// registration secret per created instance. It returns the created ids even
// when provisioning fails part way; failed holds the ids whose registration
// could not be set up, err aggregates what went wrong with them.
func (p *Provisioner) Launch(ctx context.Context, client github.Client, count int, createdBy string) (created []string, failed []string, err error) {
	scope := client.Scope()
	created, err = p.instanceProvider.Create(ctx, &instance.RunnerSpec{
		Owner:     scope.String(),
		OwnerType: lo.Ternary(scope.IsOrg(), instance.OwnerTypeOrg, instance.OwnerTypeRepo),
		CreatedBy: createdBy,
		Count:     count,
	})
	if err != nil {
		return nil, nil, err
	}
	failed, err = p.provisionSecrets(ctx, client, created)
	return created, failed, err
}

// provisionSecrets writes the registration secret for every created instance,
// the JIT blob in just-in-time mode and the config.sh argument string
// otherwise. A setup failure (runner group, registration token) fails every
// instance at once.
func (p *Provisioner) provisionSecrets(ctx context.Context, client github.Client, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	opts := options.FromContext(ctx)
	var write func(ctx context.Context, id string) error
	if opts.EnableEphemeralRunners && opts.EnableJITConfig {
		groupID, err := client.ResolveRunnerGroupID(ctx, opts.RunnerGroupName)
		if err != nil {
			return ids, err
		}
		write = func(ctx context.Context, id string) error {
			return p.writeJITConfig(ctx, client, id, groupID)
		}
	} else {
		token, err := client.CreateRegistrationToken(ctx)
		if err != nil {
			return ids, err
		}
		config := registrationConfig(opts, client.Scope(), token)
		write = func(ctx context.Context, id string) error {
			return p.putSecret(ctx, id, config)
		}
	}

	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentSecretWrites)
	for i, id := range ids {
		if i > 0 && len(ids) >= pacedWriteThreshold {
			p.clock.Sleep(secretWritePacing)
		}
		g.Go(func() error {
			if errs[i] = write(ctx, id); errs[i] != nil {
				log.FromContext(ctx).Error(errs[i], "provisioning runner registration", "instance", id)
			}
			return nil
		})
	}
	_ = g.Wait()
	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, ids[i])
		}
	}
	return failed, multierr.Combine(errs...)
}

// writeJITConfig registers the runner upstream, records the issued runner id
// on the instance, and stores the single-use blob at the instance's secret
// path. The runner id tag lands before the secret so the reaper can always
// identify a registered instance.
func (p *Provisioner) writeJITConfig(ctx context.Context, client github.Client, id string, groupID int64) error {
	opts := options.FromContext(ctx)
	jitConfig, err := client.GenerateJITConfig(ctx, &github.JITConfigRequest{
		Name:    opts.RunnerNamePrefix + id,
		GroupID: groupID,
		Labels:  opts.RunnerLabels,
	})
	if err != nil {
		return err
	}
	if err := p.instanceProvider.CreateTags(ctx, id, map[string]string{
		instance.RunnerIDTagKey: strconv.FormatInt(jitConfig.Runner.ID, 10),
	}); err != nil {
		return err
	}
	return p.putSecret(ctx, id, jitConfig.EncodedJITConfig)
}

// putSecret writes the registration secret with backoff retry since the
// parameter store throttles bursts.
func (p *Provisioner) putSecret(ctx context.Context, id string, value string) error {
	parameter := ssm.Parameter{Name: fmt.Sprintf("%s/%s", options.FromContext(ctx).SSMTokenPath, id)}
	return retry.Do(
		func() error { return p.ssmProvider.PutSecret(ctx, parameter, value, id) },
		retry.Delay(1*time.Second),
		retry.Attempts(3),
	)
}

// registrationConfig composes the config.sh argument string a non-JIT runner
// reads from its secret parameter at boot.
func registrationConfig(opts *options.Options, scope github.Scope, token string) string {
	baseURL := opts.GHESURL
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	parts := []string{
		"--url " + strings.TrimSuffix(baseURL, "/") + "/" + scope.String(),
		"--token " + token,
	}
	if len(opts.RunnerLabels) > 0 {
		parts = append(parts, "--labels "+strings.Join(opts.RunnerLabels, ","))
	}
	if scope.IsOrg() && opts.RunnerGroupName != "" {
		parts = append(parts, "--runnergroup "+opts.RunnerGroupName)
	}
	if opts.DisableRunnerAutoupdate {
		parts = append(parts, "--disableupdate")
	}
	if opts.EnableEphemeralRunners {
		parts = append(parts, "--ephemeral")
	}
	return strings.Join(parts, " ")
}
