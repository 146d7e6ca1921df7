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
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/utils/env"
)

type optionsKey struct{}

const (
	EvictionStrategyOldestFirst = "oldest_first"
	EvictionStrategyNewestFirst = "newest_first"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Operator
	MetricsPort     int
	HealthProbePort int
	LogLevel        string
	// Queues
	ScaleUpQueueURL     string
	TerminationQueueURL string
	// Runner fleet
	Environment             string
	RunnerOwner             string
	EnableOrgLevel          bool
	EnableEphemeralRunners  bool
	EnableJITConfig         bool
	EnableJobQueuedCheck    bool
	DisableRunnerAutoupdate bool
	MaximumRunners          int
	RunnerLabels            []string
	RunnerGroupName         string
	RunnerNamePrefix        string
	// GitHub
	GHESURL      string
	AppIDSSMKey  string
	AppKeySSMKey string
	// State fabric
	SSMTokenPath  string
	SSMConfigPath string
	// EC2
	LaunchTemplateName    string
	AmiSSMParameter       string
	Subnets               []string
	InstanceTypes         []string
	TargetCapacityType    string
	AllocationStrategy    string
	MaxSpotPrice          string
	OnDemandFailoverCodes []string
	// Scale down
	ScaleDownSchedule  string
	IdleConfig         []IdleRule
	MinimumRunningTime time.Duration
	BootTimeMargin     time.Duration
	// Pool
	PoolConfig []PoolRule
	// Job retry
	JobRetry JobRetryConfig

	runnerLabelsRaw          string
	subnetsRaw               string
	instanceTypesRaw         string
	onDemandFailoverCodesRaw string
	idleConfigRaw            string
	poolConfigRaw            string
	jobRetryConfigRaw        string
}

// IdleRule keeps idleCount runners alive while its cron expression (with a
// seconds field) matches the current time in the rule's time zone.
type IdleRule struct {
	Cron             string `json:"cron"`
	TimeZone         string `json:"timeZone"`
	IdleCount        int    `json:"idleCount"`
	EvictionStrategy string `json:"evictionStrategy"`
}

// idleCronParser accepts the six field expressions (with leading seconds) the
// idle rules are written in.
var idleCronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (r IdleRule) ParseCron() (cron.Schedule, error) {
	return idleCronParser.Parse(r.Cron)
}

// Active reports whether the rule's cron expression matches the given instant
// in the rule's time zone. Idle windows are written as second granularity
// expressions, so an instant inside the window is itself an activation time.
func (r IdleRule) Active(now time.Time) (bool, error) {
	sched, err := r.ParseCron()
	if err != nil {
		return false, fmt.Errorf("parsing idle rule cron %q, %w", r.Cron, err)
	}
	loc, err := r.Location()
	if err != nil {
		return false, fmt.Errorf("loading idle rule time zone %q, %w", r.TimeZone, err)
	}
	local := now.In(loc).Truncate(time.Second)
	return sched.Next(local.Add(-time.Second)).Equal(local), nil
}

func (r IdleRule) Location() (*time.Location, error) {
	if r.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.TimeZone)
}

// PoolRule tops the warm pool up to Size each time its cron schedule fires.
type PoolRule struct {
	Schedule string `json:"schedule"`
	Size     int    `json:"size"`
}

// JobRetryConfig controls the retry queue. Jobs that are still queued when a
// retry message surfaces are republished with exponential delay.
type JobRetryConfig struct {
	Enable         bool    `json:"enable"`
	MaxAttempts    int     `json:"maxAttempts"`
	DelayInSeconds int     `json:"delayInSeconds"`
	DelayBackoff   float64 `json:"delayBackoff"`
	QueueURL       string  `json:"queueUrl"`
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("runnerfleet", flag.ContinueOnError)
	opts.FlagSet = f

	// Operator
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting controller health")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity level. Can be one of 'debug', 'info', or 'error'")

	// Queues
	f.StringVar(&opts.ScaleUpQueueURL, "scale-up-queue-url", env.WithDefaultString("SCALE_UP_QUEUE_URL", ""), "The URL of the SQS queue delivering job-queued events")
	f.StringVar(&opts.TerminationQueueURL, "termination-queue-url", env.WithDefaultString("TERMINATION_QUEUE_URL", ""), "The URL of the SQS queue delivering spot interruption warnings. Leave empty to disable the termination watcher")

	// Runner fleet
	f.StringVar(&opts.Environment, "environment", env.WithDefaultString("ENVIRONMENT", ""), "The deployment environment name, used to mark and select the instances this controller manages")
	f.StringVar(&opts.RunnerOwner, "runner-owner", env.WithDefaultString("RUNNER_OWNER", ""), "The runner scope the pool maintains, an organization name or org/repo")
	f.BoolVar(&opts.EnableOrgLevel, "enable-organization-runners", env.WithDefaultBool("ENABLE_ORGANIZATION_RUNNERS", true), "If true runners are registered at the organization level, otherwise per repository")
	f.BoolVar(&opts.EnableEphemeralRunners, "enable-ephemeral-runners", env.WithDefaultBool("ENABLE_EPHEMERAL_RUNNERS", false), "If true runners are registered as ephemeral and handle a single job")
	f.BoolVar(&opts.EnableJITConfig, "enable-jit-config", env.WithDefaultBool("ENABLE_JIT_CONFIG", false), "If true ephemeral runners receive a just-in-time registration blob instead of a registration token")
	f.BoolVar(&opts.EnableJobQueuedCheck, "enable-job-queued-check", env.WithDefaultBool("ENABLE_JOB_QUEUED_CHECK", true), "If true the job status is re-checked before creating an ephemeral runner, dropping work that already ran")
	f.BoolVar(&opts.DisableRunnerAutoupdate, "disable-runner-autoupdate", env.WithDefaultBool("DISABLE_RUNNER_AUTOUPDATE", false), "If true runners are registered with self-update disabled")
	f.IntVar(&opts.MaximumRunners, "runners-maximum-count", env.WithDefaultInt("RUNNERS_MAXIMUM_COUNT", 3), "The maximum number of runners per scope. Set to -1 to skip the capacity check entirely")
	f.StringVar(&opts.runnerLabelsRaw, "runner-labels", env.WithDefaultString("RUNNER_LABELS", ""), "Comma separated list of extra labels attached to the runners")
	f.StringVar(&opts.RunnerGroupName, "runner-group-name", env.WithDefaultString("RUNNER_GROUP_NAME", ""), "The runner group to register organization runners into")
	f.StringVar(&opts.RunnerNamePrefix, "runner-name-prefix", env.WithDefaultString("RUNNER_NAME_PREFIX", ""), "Prefix for runner names, the instance id is appended")

	// GitHub
	f.StringVar(&opts.GHESURL, "ghes-url", env.WithDefaultString("GHES_URL", ""), "Base URL of the GitHub Enterprise Server deployment. Leave empty for github.com")
	f.StringVar(&opts.AppIDSSMKey, "github-app-id-ssm-key", env.WithDefaultString("PARAMETER_GITHUB_APP_ID_NAME", ""), "Name of the SSM parameter holding the GitHub App id")
	f.StringVar(&opts.AppKeySSMKey, "github-app-key-ssm-key", env.WithDefaultString("PARAMETER_GITHUB_APP_KEY_BASE64_NAME", ""), "Name of the SSM parameter holding the base64 encoded GitHub App private key")

	// State fabric
	f.StringVar(&opts.SSMTokenPath, "ssm-token-path", env.WithDefaultString("SSM_TOKEN_PATH", ""), "Base SSM path under which per-instance registration secrets are stored")
	f.StringVar(&opts.SSMConfigPath, "ssm-config-path", env.WithDefaultString("SSM_CONFIG_PATH", ""), "Base SSM path for cached configuration such as resolved runner group ids")

	// EC2
	f.StringVar(&opts.LaunchTemplateName, "launch-template-name", env.WithDefaultString("LAUNCH_TEMPLATE_NAME", ""), "Name of the launch template used for runner instances")
	f.StringVar(&opts.AmiSSMParameter, "ami-ssm-parameter", env.WithDefaultString("AMI_ID_SSM_PARAMETER_NAME", ""), "Name of the SSM parameter holding the AMI id to launch. Empty keeps the launch template's image")
	f.StringVar(&opts.subnetsRaw, "subnets", env.WithDefaultString("SUBNET_IDS", ""), "Comma separated list of subnet ids eligible for runner instances")
	f.StringVar(&opts.instanceTypesRaw, "instance-types", env.WithDefaultString("INSTANCE_TYPES", ""), "Comma separated list of instance types eligible for runner instances")
	f.StringVar(&opts.TargetCapacityType, "instance-target-capacity-type", env.WithDefaultString("INSTANCE_TARGET_CAPACITY_TYPE", "spot"), "Default capacity type for the fleet request, spot or on-demand")
	f.StringVar(&opts.AllocationStrategy, "instance-allocation-strategy", env.WithDefaultString("INSTANCE_ALLOCATION_STRATEGY", "price-capacity-optimized"), "Allocation strategy for spot fleet requests")
	f.StringVar(&opts.MaxSpotPrice, "instance-max-spot-price", env.WithDefaultString("INSTANCE_MAX_SPOT_PRICE", ""), "Maximum total price for spot capacity. Empty uses the on-demand price as ceiling")
	f.StringVar(&opts.onDemandFailoverCodesRaw, "on-demand-failover-codes", env.WithDefaultString("ENABLE_ON_DEMAND_FAILOVER_FOR_ERRORS", ""), "Comma separated fleet error codes that trigger a one-shot on-demand retry of an unfulfilled spot request")

	// Scale down
	f.StringVar(&opts.ScaleDownSchedule, "scale-down-schedule", env.WithDefaultString("SCALE_DOWN_SCHEDULE", "*/5 * * * *"), "Cron schedule for the scale down pass")
	f.StringVar(&opts.idleConfigRaw, "scale-down-config", env.WithDefaultString("SCALE_DOWN_CONFIG", "[]"), "JSON list of idle rules, each keeping idleCount runners alive while its cron expression matches")
	f.DurationVar(&opts.MinimumRunningTime, "minimum-running-time", env.WithDefaultDuration("MINIMUM_RUNNING_TIME", 5*time.Minute), "Minimum time an instance runs before it is eligible for scale down")
	f.DurationVar(&opts.BootTimeMargin, "runner-boot-time", env.WithDefaultDuration("RUNNER_BOOT_TIME", 5*time.Minute), "Time an instance may remain unregistered before it is treated as an orphan")

	// Pool
	f.StringVar(&opts.poolConfigRaw, "pool-config", env.WithDefaultString("POOL_CONFIG", "[]"), "JSON list of pool rules, each topping the warm pool up to size on its cron schedule")

	// Job retry
	f.StringVar(&opts.jobRetryConfigRaw, "job-retry-config", env.WithDefaultString("JOB_RETRY_CONFIG", ""), "JSON job retry configuration. Empty disables the retry loop")

	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.ParseDerived(); err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// ParseDerived expands the comma separated and JSON valued flags into their
// typed fields.
func (o *Options) ParseDerived() error {
	o.RunnerLabels = splitCSV(o.runnerLabelsRaw)
	o.Subnets = splitCSV(o.subnetsRaw)
	o.InstanceTypes = splitCSV(o.instanceTypesRaw)
	o.OnDemandFailoverCodes = splitCSV(o.onDemandFailoverCodesRaw)
	if o.idleConfigRaw != "" {
		if err := json.Unmarshal([]byte(o.idleConfigRaw), &o.IdleConfig); err != nil {
			return fmt.Errorf("parsing scale down config, %w", err)
		}
	}
	if o.poolConfigRaw != "" {
		if err := json.Unmarshal([]byte(o.poolConfigRaw), &o.PoolConfig); err != nil {
			return fmt.Errorf("parsing pool config, %w", err)
		}
	}
	if o.jobRetryConfigRaw != "" {
		if err := json.Unmarshal([]byte(o.jobRetryConfigRaw), &o.JobRetry); err != nil {
			return fmt.Errorf("parsing job retry config, %w", err)
		}
	}
	return nil
}

func (o *Options) ToContext(ctx context.Context) context.Context {
	return ToContext(ctx, o)
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}

func splitCSV(s string) []string {
	return lo.FilterMap(strings.Split(s, ","), func(part string, _ int) (string, bool) {
		part = strings.TrimSpace(part)
		return part, part != ""
	})
}
