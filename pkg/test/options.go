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

package test

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
)

// OptionsFields mirrors options.Options with pointers so that overrides can be
// told apart from zero values.
type OptionsFields struct {
	// Operator
	MetricsPort     *int
	HealthProbePort *int
	LogLevel        *string
	// Queues
	ScaleUpQueueURL     *string
	TerminationQueueURL *string
	// Runner fleet
	Environment             *string
	RunnerOwner             *string
	EnableOrgLevel          *bool
	EnableEphemeralRunners  *bool
	EnableJITConfig         *bool
	EnableJobQueuedCheck    *bool
	DisableRunnerAutoupdate *bool
	MaximumRunners          *int
	RunnerLabels            []string
	RunnerGroupName         *string
	RunnerNamePrefix        *string
	// GitHub
	GHESURL      *string
	AppIDSSMKey  *string
	AppKeySSMKey *string
	// State fabric
	SSMTokenPath  *string
	SSMConfigPath *string
	// EC2
	LaunchTemplateName    *string
	AmiSSMParameter       *string
	Subnets               []string
	InstanceTypes         []string
	TargetCapacityType    *string
	AllocationStrategy    *string
	MaxSpotPrice          *string
	OnDemandFailoverCodes []string
	// Scale down
	ScaleDownSchedule  *string
	IdleConfig         []options.IdleRule
	MinimumRunningTime *time.Duration
	BootTimeMargin     *time.Duration
	// Pool
	PoolConfig []options.PoolRule
	// Job retry
	JobRetry *options.JobRetryConfig
}

func Options(overrides ...OptionsFields) *options.Options {
	opts := OptionsFields{}
	for _, override := range overrides {
		if err := mergo.Merge(&opts, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
	return &options.Options{
		MetricsPort:             lo.FromPtrOr(opts.MetricsPort, 8080),
		HealthProbePort:         lo.FromPtrOr(opts.HealthProbePort, 8081),
		LogLevel:                lo.FromPtrOr(opts.LogLevel, "info"),
		ScaleUpQueueURL:         lo.FromPtrOr(opts.ScaleUpQueueURL, "https://sqs.us-east-1.amazonaws.com/123456789012/scale-up"),
		TerminationQueueURL:     lo.FromPtrOr(opts.TerminationQueueURL, ""),
		Environment:             lo.FromPtrOr(opts.Environment, "test"),
		RunnerOwner:             lo.FromPtrOr(opts.RunnerOwner, "test-org"),
		EnableOrgLevel:          lo.FromPtrOr(opts.EnableOrgLevel, true),
		EnableEphemeralRunners:  lo.FromPtrOr(opts.EnableEphemeralRunners, true),
		EnableJITConfig:         lo.FromPtrOr(opts.EnableJITConfig, true),
		EnableJobQueuedCheck:    lo.FromPtrOr(opts.EnableJobQueuedCheck, true),
		DisableRunnerAutoupdate: lo.FromPtrOr(opts.DisableRunnerAutoupdate, false),
		MaximumRunners:          lo.FromPtrOr(opts.MaximumRunners, 3),
		RunnerLabels:            opts.RunnerLabels,
		RunnerGroupName:         lo.FromPtrOr(opts.RunnerGroupName, ""),
		RunnerNamePrefix:        lo.FromPtrOr(opts.RunnerNamePrefix, ""),
		GHESURL:                 lo.FromPtrOr(opts.GHESURL, ""),
		AppIDSSMKey:             lo.FromPtrOr(opts.AppIDSSMKey, "/runnerfleet/test/app/id"),
		AppKeySSMKey:            lo.FromPtrOr(opts.AppKeySSMKey, "/runnerfleet/test/app/key"),
		SSMTokenPath:            lo.FromPtrOr(opts.SSMTokenPath, "/runnerfleet/test/runners/tokens"),
		SSMConfigPath:           lo.FromPtrOr(opts.SSMConfigPath, "/runnerfleet/test/config"),
		LaunchTemplateName:      lo.FromPtrOr(opts.LaunchTemplateName, "runnerfleet-test"),
		AmiSSMParameter:         lo.FromPtrOr(opts.AmiSSMParameter, ""),
		Subnets:                 lo.Ternary(opts.Subnets != nil, opts.Subnets, []string{"subnet-test1", "subnet-test2"}),
		InstanceTypes:           lo.Ternary(opts.InstanceTypes != nil, opts.InstanceTypes, []string{"m5.large", "m5a.large"}),
		TargetCapacityType:      lo.FromPtrOr(opts.TargetCapacityType, "spot"),
		AllocationStrategy:      lo.FromPtrOr(opts.AllocationStrategy, "price-capacity-optimized"),
		MaxSpotPrice:            lo.FromPtrOr(opts.MaxSpotPrice, ""),
		OnDemandFailoverCodes:   opts.OnDemandFailoverCodes,
		ScaleDownSchedule:       lo.FromPtrOr(opts.ScaleDownSchedule, "*/5 * * * *"),
		IdleConfig:              opts.IdleConfig,
		MinimumRunningTime:      lo.FromPtrOr(opts.MinimumRunningTime, 5*time.Minute),
		BootTimeMargin:          lo.FromPtrOr(opts.BootTimeMargin, 5*time.Minute),
		PoolConfig:              opts.PoolConfig,
		JobRetry:                lo.FromPtrOr(opts.JobRetry, options.JobRetryConfig{}),
	}
}
