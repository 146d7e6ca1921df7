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

package instance_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	awserrors "github.com/runnerfleet/runnerfleet/pkg/errors"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	"github.com/runnerfleet/runnerfleet/pkg/test"
)

var ctx context.Context
var env *test.Environment

func TestInstance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "InstanceProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
})

var _ = Describe("Create", func() {
	var spec *instance.RunnerSpec

	BeforeEach(func() {
		spec = &instance.RunnerSpec{
			Owner:     "test-org",
			OwnerType: instance.OwnerTypeOrg,
			CreatedBy: instance.CreatedByScaleUp,
			Count:     2,
		}
	})

	It("should launch the requested capacity through an instant fleet", func() {
		ids, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(HaveLen(2))
		Expect(env.EC2API.CreateFleetBehavior.CalledWithInput.Len()).To(Equal(1))
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		Expect(input.Type).To(Equal(ec2types.FleetTypeInstant))
		Expect(aws.ToString(input.LaunchTemplateConfigs[0].LaunchTemplateSpecification.LaunchTemplateName)).To(Equal("runnerfleet-test"))
		Expect(aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity)).To(Equal(int32(2)))
		Expect(input.TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeSpot))
		Expect(input.SpotOptions.AllocationStrategy).To(Equal(ec2types.SpotAllocationStrategyPriceCapacityOptimized))
		Expect(input.SpotOptions.MaxTotalPrice).To(BeNil())
	})
	It("should request an override for every subnet and instance type pair", func() {
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		Expect(input.LaunchTemplateConfigs[0].Overrides).To(HaveLen(4))
		Expect(input.LaunchTemplateConfigs[0].Overrides).To(ContainElement(ec2types.FleetLaunchTemplateOverridesRequest{
			SubnetId:     aws.String("subnet-test2"),
			InstanceType: ec2types.InstanceType("m5a.large"),
		}))
	})
	It("should override the launch template image with the ami from the parameter store", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{AmiSSMParameter: lo.ToPtr("/runnerfleet/test/ami-id")}))
		env.SSMAPI.Parameters.Store("/runnerfleet/test/ami-id", "ami-0123456789abcdef0")

		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		for _, override := range input.LaunchTemplateConfigs[0].Overrides {
			Expect(aws.ToString(override.ImageId)).To(Equal("ami-0123456789abcdef0"))
		}
	})
	It("should keep the launch template image when no ami parameter is configured", func() {
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		for _, override := range input.LaunchTemplateConfigs[0].Overrides {
			Expect(override.ImageId).To(BeNil())
		}
	})
	It("should fail the launch when the ami parameter is missing", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{AmiSSMParameter: lo.ToPtr("/runnerfleet/test/ami-id")}))
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(env.EC2API.CreateFleetBehavior.Calls()).To(Equal(0))
	})
	It("should tag instances and volumes with the owner and creator", func() {
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		Expect(input.TagSpecifications).To(HaveLen(2))
		for _, resourceType := range []ec2types.ResourceType{ec2types.ResourceTypeInstance, ec2types.ResourceTypeVolume} {
			spec, ok := lo.Find(input.TagSpecifications, func(ts ec2types.TagSpecification) bool { return ts.ResourceType == resourceType })
			Expect(ok).To(BeTrue())
			Expect(spec.Tags).To(ContainElements(
				ec2types.Tag{Key: aws.String(instance.ApplicationTagKey), Value: aws.String(instance.ApplicationTagValue)},
				ec2types.Tag{Key: aws.String(instance.EnvironmentTagKey), Value: aws.String("test")},
				ec2types.Tag{Key: aws.String(instance.TypeTagKey), Value: aws.String(instance.OwnerTypeOrg)},
				ec2types.Tag{Key: aws.String(instance.OwnerTagKey), Value: aws.String("test-org")},
				ec2types.Tag{Key: aws.String(instance.CreatedByTagKey), Value: aws.String(instance.CreatedByScaleUp)},
			))
		}
	})
	It("should request on-demand capacity without spot options", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{TargetCapacityType: lo.ToPtr("on-demand")}))
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		Expect(input.TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeOnDemand))
		Expect(input.SpotOptions).To(BeNil())
		Expect(input.OnDemandOptions.AllocationStrategy).To(Equal(ec2types.FleetOnDemandAllocationStrategyLowestPrice))
	})
	It("should cap the total spot price when one is configured", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{MaxSpotPrice: lo.ToPtr("1.50")}))
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		input := env.EC2API.CreateFleetBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.SpotOptions.MaxTotalPrice)).To(Equal("1.50"))
	})
	It("should fail over to on-demand when every fleet error code is listed", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{
			OnDemandFailoverCodes: []string{"InsufficientInstanceCapacity"},
		}))
		unfulfilled := ec2.CreateFleetOutput{Errors: []ec2types.CreateFleetError{{
			ErrorCode:    aws.String("InsufficientInstanceCapacity"),
			ErrorMessage: aws.String("There is no Spot capacity available that matches your request."),
		}}}
		fulfilled := ec2.CreateFleetOutput{Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-ondemand1", "i-ondemand2"}}}}
		// MultiOut pops from the back
		env.EC2API.CreateFleetBehavior.MultiOut.Add(&fulfilled)
		env.EC2API.CreateFleetBehavior.MultiOut.Add(&unfulfilled)

		ids, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]string{"i-ondemand1", "i-ondemand2"}))
		Expect(env.EC2API.CreateFleetBehavior.CalledWithInput.Len()).To(Equal(2))
		Expect(env.EC2API.CreateFleetBehavior.CalledWithInput.At(0).TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeSpot))
		Expect(env.EC2API.CreateFleetBehavior.CalledWithInput.At(1).TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeOnDemand))
	})
	It("should not fail over when any fleet error code is not listed", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{
			OnDemandFailoverCodes: []string{"InsufficientInstanceCapacity"},
		}))
		env.EC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{Errors: []ec2types.CreateFleetError{
			{ErrorCode: aws.String("InsufficientInstanceCapacity")},
			{ErrorCode: aws.String("UnfulfillableCapacity")},
		}})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(env.EC2API.CreateFleetBehavior.CalledWithInput.Len()).To(Equal(1))
	})
	It("should return a retriable error when capacity blocked the whole request", func() {
		env.EC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{Errors: []ec2types.CreateFleetError{
			{ErrorCode: aws.String("InsufficientInstanceCapacity"), ErrorMessage: aws.String("no capacity")},
		}})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(awserrors.IsRetriable(err)).To(BeTrue())
	})
	It("should return a retriable error when any fleet error clears on its own", func() {
		env.EC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{Errors: []ec2types.CreateFleetError{
			{ErrorCode: aws.String("InvalidParameterValue"), ErrorMessage: aws.String("bad request")},
			{ErrorCode: aws.String("UnfulfillableCapacity"), ErrorMessage: aws.String("no capacity")},
		}})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(awserrors.IsRetriable(err)).To(BeTrue())
	})
	It("should return a terminal error for a misconfigured request", func() {
		env.EC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{Errors: []ec2types.CreateFleetError{
			{ErrorCode: aws.String("InvalidParameterValue"), ErrorMessage: aws.String("bad request")},
		}})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(awserrors.IsRetriable(err)).To(BeFalse())
	})
	It("should mark a throttled fleet request as retriable", func() {
		env.EC2API.CreateFleetBehavior.Error.Set(&smithy.GenericAPIError{Code: "RequestLimitExceeded"})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(awserrors.IsRetriable(err)).To(BeTrue())
	})
	It("should not mark an authorization failure as retriable", func() {
		env.EC2API.CreateFleetBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation"})
		_, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).To(HaveOccurred())
		Expect(awserrors.IsRetriable(err)).To(BeFalse())
	})
	It("should accept a partially fulfilled fleet", func() {
		env.EC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-partial1"}}},
			Errors:    []ec2types.CreateFleetError{{ErrorCode: aws.String("InsufficientInstanceCapacity")}},
		})
		ids, err := env.InstanceProvider.Create(ctx, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(Equal([]string{"i-partial1"}))
	})
})

var _ = Describe("List", func() {
	It("should list only the managed instances of this environment", func() {
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-managed"}))
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-other-env", Environment: "prod"}))
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-stopped", State: ec2types.InstanceStateNameStopped}))

		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-managed"))
		Expect(instances[0].Owner()).To(Equal("test-org"))
		Expect(instances[0].CreatedBy()).To(Equal(instance.CreatedByScaleUp))
		Expect(instances[0].IsOrphan()).To(BeFalse())
	})
	It("should include pending instances", func() {
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-pending", State: ec2types.InstanceStateNamePending}))
		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
	})
	It("should narrow the listing with the caller's filters", func() {
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-org", Owner: "test-org"}))
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-repo", Owner: "test-org/test-repo", OwnerType: instance.OwnerTypeRepo}))
		env.EC2API.Instances.Store(test.Instance(test.InstanceOptions{ID: "i-pool", CreatedBy: instance.CreatedByPool}))

		instances, err := env.InstanceProvider.List(ctx, instance.OwnerFilter("test-org/test-repo"))
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-repo"))

		instances, err = env.InstanceProvider.List(ctx, instance.CreatedByFilter(instance.CreatedByPool))
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-pool"))

		instances, err = env.InstanceProvider.List(ctx, instance.IDFilter("i-org"))
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-org"))
	})
	It("should page through the results and order them by id", func() {
		env.EC2API.DescribeInstancesBehavior.OutputPages.Add(&ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{test.Instance(test.InstanceOptions{ID: "i-page2"})}}},
		})
		env.EC2API.DescribeInstancesBehavior.OutputPages.Add(&ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{test.Instance(test.InstanceOptions{ID: "i-page1"})}}},
		})
		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(2))
		Expect(instances[0].ID).To(Equal("i-page1"))
		Expect(instances[1].ID).To(Equal("i-page2"))
	})
})

var _ = Describe("Terminate", func() {
	It("should terminate a managed instance", func() {
		inst := test.Instance()
		env.EC2API.Instances.Store(inst)
		Expect(env.InstanceProvider.Terminate(ctx, aws.ToString(inst.InstanceId))).To(Succeed())
		Expect(env.EC2API.Instances.Len()).To(Equal(0))
	})
	It("should tolerate an instance that is already gone", func() {
		env.EC2API.TerminateInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"})
		Expect(env.InstanceProvider.Terminate(ctx, "i-already-gone")).To(Succeed())
	})
	It("should surface other termination failures", func() {
		env.EC2API.TerminateInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation"})
		Expect(env.InstanceProvider.Terminate(ctx, "i-unauthorized")).ToNot(Succeed())
	})
})

var _ = Describe("Tags", func() {
	It("should add tags to an instance", func() {
		inst := test.Instance()
		env.EC2API.Instances.Store(inst)
		Expect(env.InstanceProvider.CreateTags(ctx, aws.ToString(inst.InstanceId), map[string]string{
			instance.OrphanTagKey: instance.OrphanTagValue,
		})).To(Succeed())

		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances[0].IsOrphan()).To(BeTrue())
	})
	It("should overwrite an existing tag value", func() {
		inst := test.Instance(test.InstanceOptions{RunnerID: "1000"})
		env.EC2API.Instances.Store(inst)
		Expect(env.InstanceProvider.CreateTags(ctx, aws.ToString(inst.InstanceId), map[string]string{
			instance.RunnerIDTagKey: "2000",
		})).To(Succeed())

		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances[0].RunnerID()).To(Equal("2000"))
	})
	It("should remove tags from an instance", func() {
		inst := test.Instance(test.InstanceOptions{Orphan: true})
		env.EC2API.Instances.Store(inst)
		Expect(env.InstanceProvider.DeleteTags(ctx, aws.ToString(inst.InstanceId), []string{instance.OrphanTagKey})).To(Succeed())

		instances, err := env.InstanceProvider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances[0].IsOrphan()).To(BeFalse())
	})
})
