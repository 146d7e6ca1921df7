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

package options

import (
	"fmt"
	"net/url"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateRequiredFields(),
		o.validateCapacityType(),
		o.validateGHESURL(),
		o.validateRunnerModes(),
		o.validateSchedules(),
		o.validateIdleConfig(),
		o.validatePoolConfig(),
		o.validateJobRetryConfig(),
	)
}

func (o *Options) validateRequiredFields() (err error) {
	for field, value := range map[string]string{
		"environment":            o.Environment,
		"scale-up-queue-url":     o.ScaleUpQueueURL,
		"ssm-token-path":         o.SSMTokenPath,
		"launch-template-name":   o.LaunchTemplateName,
		"github-app-id-ssm-key":  o.AppIDSSMKey,
		"github-app-key-ssm-key": o.AppKeySSMKey,
	} {
		if value == "" {
			err = multierr.Append(err, fmt.Errorf("missing field, %s", field))
		}
	}
	if len(o.Subnets) == 0 {
		err = multierr.Append(err, fmt.Errorf("missing field, subnets"))
	}
	if len(o.InstanceTypes) == 0 {
		err = multierr.Append(err, fmt.Errorf("missing field, instance-types"))
	}
	return err
}

func (o *Options) validateCapacityType() error {
	if o.TargetCapacityType != "spot" && o.TargetCapacityType != "on-demand" {
		return fmt.Errorf("instance-target-capacity-type may only be either spot or on-demand")
	}
	return nil
}

func (o *Options) validateGHESURL() error {
	if o.GHESURL == "" {
		return nil
	}
	endpoint, err := url.Parse(o.GHESURL)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q not a valid GHES_URL", o.GHESURL)
	}
	return nil
}

func (o *Options) validateRunnerModes() (err error) {
	if o.EnableJITConfig && !o.EnableEphemeralRunners {
		err = multierr.Append(err, fmt.Errorf("enable-jit-config requires enable-ephemeral-runners"))
	}
	return err
}

func (o *Options) validateSchedules() error {
	if _, err := cron.ParseStandard(o.ScaleDownSchedule); err != nil {
		return fmt.Errorf("parsing scale-down-schedule %q, %w", o.ScaleDownSchedule, err)
	}
	return nil
}

func (o *Options) validateIdleConfig() (err error) {
	for i, rule := range o.IdleConfig {
		if _, cronErr := rule.ParseCron(); cronErr != nil {
			err = multierr.Append(err, fmt.Errorf("parsing idle rule %d cron %q, %w", i, rule.Cron, cronErr))
		}
		if _, locErr := rule.Location(); locErr != nil {
			err = multierr.Append(err, fmt.Errorf("parsing idle rule %d time zone %q, %w", i, rule.TimeZone, locErr))
		}
		if rule.EvictionStrategy != "" && !lo.Contains([]string{EvictionStrategyOldestFirst, EvictionStrategyNewestFirst}, rule.EvictionStrategy) {
			err = multierr.Append(err, fmt.Errorf("idle rule %d eviction strategy may only be either %s or %s", i, EvictionStrategyOldestFirst, EvictionStrategyNewestFirst))
		}
	}
	return err
}

func (o *Options) validatePoolConfig() (err error) {
	for i, rule := range o.PoolConfig {
		if _, cronErr := cron.ParseStandard(rule.Schedule); cronErr != nil {
			err = multierr.Append(err, fmt.Errorf("parsing pool rule %d schedule %q, %w", i, rule.Schedule, cronErr))
		}
		if rule.Size < 0 {
			err = multierr.Append(err, fmt.Errorf("pool rule %d size cannot be negative", i))
		}
	}
	if len(o.PoolConfig) == 0 {
		return err
	}
	// The pool registers runners ahead of any job, which only works for
	// ephemeral organization runners with a known owner.
	if !o.EnableOrgLevel || !o.EnableEphemeralRunners {
		err = multierr.Append(err, fmt.Errorf("pool-config requires enable-organization-runners and enable-ephemeral-runners"))
	}
	if o.RunnerOwner == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, runner-owner"))
	}
	return err
}

func (o *Options) validateJobRetryConfig() (err error) {
	if !o.JobRetry.Enable {
		return nil
	}
	if o.JobRetry.QueueURL == "" {
		err = multierr.Append(err, fmt.Errorf("job retry config missing queueUrl"))
	}
	if o.JobRetry.MaxAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("job retry config maxAttempts must be at least 1"))
	}
	if o.JobRetry.DelayBackoff < 1 {
		err = multierr.Append(err, fmt.Errorf("job retry config delayBackoff must be at least 1"))
	}
	return err
}
