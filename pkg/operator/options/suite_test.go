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

package options_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var environmentVariables = []string{
	"METRICS_PORT",
	"HEALTH_PROBE_PORT",
	"LOG_LEVEL",
	"SCALE_UP_QUEUE_URL",
	"TERMINATION_QUEUE_URL",
	"ENVIRONMENT",
	"RUNNER_OWNER",
	"ENABLE_ORGANIZATION_RUNNERS",
	"ENABLE_EPHEMERAL_RUNNERS",
	"ENABLE_JIT_CONFIG",
	"ENABLE_JOB_QUEUED_CHECK",
	"DISABLE_RUNNER_AUTOUPDATE",
	"RUNNERS_MAXIMUM_COUNT",
	"RUNNER_LABELS",
	"RUNNER_GROUP_NAME",
	"RUNNER_NAME_PREFIX",
	"GHES_URL",
	"PARAMETER_GITHUB_APP_ID_NAME",
	"PARAMETER_GITHUB_APP_KEY_BASE64_NAME",
	"SSM_TOKEN_PATH",
	"SSM_CONFIG_PATH",
	"LAUNCH_TEMPLATE_NAME",
	"AMI_ID_SSM_PARAMETER_NAME",
	"SUBNET_IDS",
	"INSTANCE_TYPES",
	"INSTANCE_TARGET_CAPACITY_TYPE",
	"INSTANCE_ALLOCATION_STRATEGY",
	"INSTANCE_MAX_SPOT_PRICE",
	"ENABLE_ON_DEMAND_FAILOVER_FOR_ERRORS",
	"SCALE_DOWN_SCHEDULE",
	"SCALE_DOWN_CONFIG",
	"MINIMUM_RUNNING_TIME",
	"RUNNER_BOOT_TIME",
	"POOL_CONFIG",
	"JOB_RETRY_CONFIG",
}

// requiredArgs covers every flag validation insists on.
func requiredArgs() []string {
	return []string{
		"--environment", "test",
		"--scale-up-queue-url", "https://sqs.us-east-1.amazonaws.com/123456789012/scale-up",
		"--ssm-token-path", "/runnerfleet/test/runners/tokens",
		"--launch-template-name", "runnerfleet-test",
		"--github-app-id-ssm-key", "/runnerfleet/test/app/id",
		"--github-app-key-ssm-key", "/runnerfleet/test/app/key",
		"--subnets", "subnet-test1,subnet-test2",
		"--instance-types", "m5.large,m5a.large",
	}
}

func parse(extra ...string) (*options.Options, error) {
	opts := options.New()
	if err := opts.Parse(append(requiredArgs(), extra...)); err != nil {
		return nil, err
	}
	if err := opts.ParseDerived(); err != nil {
		return nil, err
	}
	return opts, opts.Validate()
}

var _ = Describe("Options", func() {
	var envState map[string]string

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			if val, ok := os.LookupEnv(ev); ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
	})

	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	Context("Parsing", func() {
		It("should apply defaults when only required flags are set", func() {
			opts, err := parse()
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.MetricsPort).To(Equal(8080))
			Expect(opts.HealthProbePort).To(Equal(8081))
			Expect(opts.LogLevel).To(Equal("info"))
			Expect(opts.EnableOrgLevel).To(BeTrue())
			Expect(opts.EnableEphemeralRunners).To(BeFalse())
			Expect(opts.EnableJobQueuedCheck).To(BeTrue())
			Expect(opts.MaximumRunners).To(Equal(3))
			Expect(opts.TargetCapacityType).To(Equal("spot"))
			Expect(opts.AllocationStrategy).To(Equal("price-capacity-optimized"))
			Expect(opts.ScaleDownSchedule).To(Equal("*/5 * * * *"))
			Expect(opts.MinimumRunningTime).To(Equal(5 * time.Minute))
			Expect(opts.BootTimeMargin).To(Equal(5 * time.Minute))
			Expect(opts.IdleConfig).To(BeEmpty())
			Expect(opts.PoolConfig).To(BeEmpty())
			Expect(opts.JobRetry.Enable).To(BeFalse())
			Expect(opts.AmiSSMParameter).To(BeEmpty())
		})
		It("should accept an ami parameter name", func() {
			opts, err := parse("--ami-ssm-parameter", "/runnerfleet/test/ami-id")
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.AmiSSMParameter).To(Equal("/runnerfleet/test/ami-id"))
		})
		It("should expand comma separated flags into their typed fields", func() {
			opts, err := parse("--runner-labels", "gpu, linux", "--on-demand-failover-codes", "InsufficientInstanceCapacity")
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.RunnerLabels).To(Equal([]string{"gpu", "linux"}))
			Expect(opts.Subnets).To(Equal([]string{"subnet-test1", "subnet-test2"}))
			Expect(opts.InstanceTypes).To(Equal([]string{"m5.large", "m5a.large"}))
			Expect(opts.OnDemandFailoverCodes).To(Equal([]string{"InsufficientInstanceCapacity"}))
		})
		It("should parse the JSON valued flags", func() {
			opts, err := parse(
				"--scale-down-config", `[{"cron":"* * 8-17 * * 1-5","timeZone":"UTC","idleCount":2,"evictionStrategy":"newest_first"}]`,
				"--pool-config", `[{"schedule":"*/10 * * * *","size":3}]`,
				"--job-retry-config", `{"enable":true,"maxAttempts":4,"delayInSeconds":30,"delayBackoff":2,"queueUrl":"https://sqs.us-east-1.amazonaws.com/123456789012/retry"}`,
				"--runner-owner", "test-org",
				"--enable-ephemeral-runners",
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.IdleConfig).To(HaveLen(1))
			Expect(opts.IdleConfig[0].IdleCount).To(Equal(2))
			Expect(opts.IdleConfig[0].EvictionStrategy).To(Equal(options.EvictionStrategyNewestFirst))
			Expect(opts.PoolConfig).To(Equal([]options.PoolRule{{Schedule: "*/10 * * * *", Size: 3}}))
			Expect(opts.JobRetry).To(Equal(options.JobRetryConfig{
				Enable:         true,
				MaxAttempts:    4,
				DelayInSeconds: 30,
				DelayBackoff:   2,
				QueueURL:       "https://sqs.us-east-1.amazonaws.com/123456789012/retry",
			}))
		})
		It("should fall back to environment variables when flags are not set", func() {
			os.Setenv("ENVIRONMENT", "env-test")
			os.Setenv("RUNNERS_MAXIMUM_COUNT", "7")
			os.Setenv("ENABLE_ORGANIZATION_RUNNERS", "false")
			os.Setenv("MINIMUM_RUNNING_TIME", "11m")
			opts := options.New()
			Expect(opts.Parse([]string{
				"--scale-up-queue-url", "https://sqs.us-east-1.amazonaws.com/123456789012/scale-up",
				"--ssm-token-path", "/runnerfleet/test/runners/tokens",
				"--launch-template-name", "runnerfleet-test",
				"--github-app-id-ssm-key", "/runnerfleet/test/app/id",
				"--github-app-key-ssm-key", "/runnerfleet/test/app/key",
				"--subnets", "subnet-test1",
				"--instance-types", "m5.large",
			})).To(Succeed())
			Expect(opts.ParseDerived()).To(Succeed())
			Expect(opts.Validate()).To(Succeed())
			Expect(opts.Environment).To(Equal("env-test"))
			Expect(opts.MaximumRunners).To(Equal(7))
			Expect(opts.EnableOrgLevel).To(BeFalse())
			Expect(opts.MinimumRunningTime).To(Equal(11 * time.Minute))
		})
		It("should prefer flags over environment variables", func() {
			os.Setenv("ENVIRONMENT", "env-test")
			opts, err := parse()
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.Environment).To(Equal("test"))
		})
	})

	Context("Validation", func() {
		It("should fail when required fields are missing", func() {
			opts := options.New()
			Expect(opts.Parse(nil)).To(Succeed())
			Expect(opts.ParseDerived()).To(Succeed())
			err := opts.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("missing field, environment"))
			Expect(err.Error()).To(ContainSubstring("missing field, subnets"))
			Expect(err.Error()).To(ContainSubstring("missing field, instance-types"))
		})
		It("should fail on an unknown capacity type", func() {
			_, err := parse("--instance-target-capacity-type", "reserved")
			Expect(err).To(HaveOccurred())
		})
		It("should fail on a GHES URL without scheme", func() {
			_, err := parse("--ghes-url", "github.example.com")
			Expect(err).To(HaveOccurred())
		})
		It("should accept an absolute GHES URL", func() {
			_, err := parse("--ghes-url", "https://github.example.com")
			Expect(err).ToNot(HaveOccurred())
		})
		It("should fail when JIT config is enabled without ephemeral runners", func() {
			_, err := parse("--enable-jit-config")
			Expect(err).To(HaveOccurred())
		})
		It("should fail on an unparsable scale down schedule", func() {
			_, err := parse("--scale-down-schedule", "every five minutes")
			Expect(err).To(HaveOccurred())
		})
		It("should fail on an idle rule cron without a seconds field", func() {
			_, err := parse("--scale-down-config", `[{"cron":"* 8-17 * * 1-5","idleCount":1}]`)
			Expect(err).To(HaveOccurred())
		})
		It("should fail on an unknown eviction strategy", func() {
			_, err := parse("--scale-down-config", `[{"cron":"* * 8-17 * * 1-5","idleCount":1,"evictionStrategy":"random"}]`)
			Expect(err).To(HaveOccurred())
		})
		It("should fail on an unknown idle rule time zone", func() {
			_, err := parse("--scale-down-config", `[{"cron":"* * 8-17 * * 1-5","idleCount":1,"timeZone":"Mars/Olympus"}]`)
			Expect(err).To(HaveOccurred())
		})
		It("should fail on a pool without organization ephemeral runners", func() {
			_, err := parse("--pool-config", `[{"schedule":"*/10 * * * *","size":2}]`, "--runner-owner", "test-org")
			Expect(err).To(HaveOccurred())
		})
		It("should fail on a pool without an owner", func() {
			_, err := parse("--pool-config", `[{"schedule":"*/10 * * * *","size":2}]`, "--enable-ephemeral-runners")
			Expect(err).To(HaveOccurred())
		})
		It("should fail on a negative pool size", func() {
			_, err := parse("--pool-config", `[{"schedule":"*/10 * * * *","size":-1}]`, "--runner-owner", "test-org", "--enable-ephemeral-runners")
			Expect(err).To(HaveOccurred())
		})
		It("should accept a valid pool config", func() {
			_, err := parse("--pool-config", `[{"schedule":"*/10 * * * *","size":2}]`, "--runner-owner", "test-org", "--enable-ephemeral-runners")
			Expect(err).ToNot(HaveOccurred())
		})
		It("should fail on job retry without a queue", func() {
			_, err := parse("--job-retry-config", `{"enable":true,"maxAttempts":3,"delayBackoff":2}`)
			Expect(err).To(HaveOccurred())
		})
		It("should fail on a job retry backoff below one", func() {
			_, err := parse("--job-retry-config", `{"enable":true,"maxAttempts":3,"delayBackoff":0.5,"queueUrl":"https://sqs.us-east-1.amazonaws.com/123456789012/retry"}`)
			Expect(err).To(HaveOccurred())
		})
		It("should ignore job retry fields when disabled", func() {
			_, err := parse("--job-retry-config", `{"enable":false}`)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("IdleRule", func() {
		It("should report a rule active while its expression matches", func() {
			rule := options.IdleRule{Cron: "* * 8-17 * * 1-5", IdleCount: 2}
			// 2024-05-15 is a Wednesday
			active, err := rule.Active(time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC))
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(BeTrue())
		})
		It("should report a rule inactive outside its hours", func() {
			rule := options.IdleRule{Cron: "* * 8-17 * * 1-5", IdleCount: 2}
			active, err := rule.Active(time.Date(2024, 5, 15, 20, 0, 0, 0, time.UTC))
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(BeFalse())
		})
		It("should report a rule inactive on the wrong weekday", func() {
			rule := options.IdleRule{Cron: "* * 8-17 * * 1-5", IdleCount: 2}
			// 2024-05-18 is a Saturday
			active, err := rule.Active(time.Date(2024, 5, 18, 10, 30, 0, 0, time.UTC))
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(BeFalse())
		})
		It("should default the time zone to UTC", func() {
			loc, err := options.IdleRule{Cron: "* * * * * *"}.Location()
			Expect(err).ToNot(HaveOccurred())
			Expect(loc).To(Equal(time.UTC))
		})
	})
})
