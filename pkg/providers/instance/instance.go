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

package instance

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
	awserrors "github.com/runnerfleet/runnerfleet/pkg/errors"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

type Provider interface {
	Create(context.Context, *RunnerSpec) ([]string, error)
	List(context.Context, ...ec2types.Filter) ([]*Instance, error)
	Terminate(context.Context, string) error
	CreateTags(context.Context, string, map[string]string) error
	DeleteTags(context.Context, string, []string) error
}

type DefaultProvider struct {
	ec2api      sdk.EC2API
	ssmProvider ssm.Provider
}

func NewDefaultProvider(ec2api sdk.EC2API, ssmProvider ssm.Provider) *DefaultProvider {
	return &DefaultProvider{
		ec2api:      ec2api,
		ssmProvider: ssmProvider,
	}
}

// Create launches spec.Count instances through a single instant fleet request.
// It returns the ids that launched; a shortfall with at least one instance is
// not an error, the caller decides how much of its work remains undelivered.
// A fully unfulfilled request returns an error that is retriable when any
// fleet error code clears on its own.
func (p *DefaultProvider) Create(ctx context.Context, spec *RunnerSpec) ([]string, error) {
	opts := options.FromContext(ctx)
	out, err := p.createFleet(ctx, spec, opts.TargetCapacityType)
	if err != nil {
		return nil, err
	}
	ids := instanceIDsFromFleet(out)
	if len(ids) == 0 && opts.TargetCapacityType == CapacityTypeSpot && p.shouldFailoverToOnDemand(ctx, out.Errors) {
		log.FromContext(ctx).Info("spot fleet request unfulfilled, retrying as on-demand",
			"owner", spec.Owner, "codes", fleetErrorCodes(out.Errors))
		if out, err = p.createFleet(ctx, spec, CapacityTypeOnDemand); err != nil {
			return nil, err
		}
		ids = instanceIDsFromFleet(out)
	}
	if len(ids) == 0 {
		return nil, combineFleetErrors(out.Errors)
	}
	log.FromContext(ctx).V(1).Info("launched instances", "owner", spec.Owner, "created-by", spec.CreatedBy, "instances", ids)
	return ids, nil
}

func (p *DefaultProvider) createFleet(ctx context.Context, spec *RunnerSpec, capacityType string) (*ec2.CreateFleetOutput, error) {
	opts := options.FromContext(ctx)
	tags := p.buildTags(opts, spec)
	amiID, err := p.resolveAMI(ctx)
	if err != nil {
		return nil, err
	}
	createFleetInput := &ec2.CreateFleetInput{
		Type: ec2types.FleetTypeInstant,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{
			{
				LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
					LaunchTemplateName: aws.String(opts.LaunchTemplateName),
					Version:            aws.String("$Default"),
				},
				Overrides: p.getOverrides(opts.Subnets, opts.InstanceTypes, amiID),
			},
		},
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			DefaultTargetCapacityType: ec2types.DefaultTargetCapacityType(capacityType),
			TotalTargetCapacity:       aws.Int32(int32(spec.Count)),
		},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		},
	}
	if capacityType == CapacityTypeSpot {
		createFleetInput.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategy(opts.AllocationStrategy),
		}
		if opts.MaxSpotPrice != "" {
			createFleetInput.SpotOptions.MaxTotalPrice = aws.String(opts.MaxSpotPrice)
		}
	} else {
		createFleetInput.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategyLowestPrice,
		}
	}
	createFleetOutput, err := p.ec2api.CreateFleet(ctx, createFleetInput)
	if err != nil {
		if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok && awserrors.IsRetriableFleetCode(apiErr.ErrorCode()) {
			return nil, awserrors.NewRetriableError(fmt.Errorf("creating fleet, %w", err))
		}
		return nil, fmt.Errorf("creating fleet, %w", err)
	}
	return createFleetOutput, nil
}

// resolveAMI reads the AMI id from the configured SSM parameter. An empty
// parameter name keeps the launch template's image.
func (p *DefaultProvider) resolveAMI(ctx context.Context) (string, error) {
	name := options.FromContext(ctx).AmiSSMParameter
	if name == "" {
		return "", nil
	}
	amiID, err := p.ssmProvider.Get(ctx, ssm.Parameter{Name: name})
	if err != nil {
		return "", fmt.Errorf("resolving ami id from ssm, %w", err)
	}
	return amiID, nil
}

// getOverrides creates and returns launch template overrides for the cross
// product of subnets and instance types
func (p *DefaultProvider) getOverrides(subnets, instanceTypes []string, amiID string) []ec2types.FleetLaunchTemplateOverridesRequest {
	var overrides []ec2types.FleetLaunchTemplateOverridesRequest
	for _, subnet := range subnets {
		for _, instanceType := range instanceTypes {
			override := ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:     aws.String(subnet),
				InstanceType: ec2types.InstanceType(instanceType),
			}
			if amiID != "" {
				override.ImageId = aws.String(amiID)
			}
			overrides = append(overrides, override)
		}
	}
	return overrides
}

func (p *DefaultProvider) buildTags(opts *options.Options, spec *RunnerSpec) []ec2types.Tag {
	return lo.MapToSlice(map[string]string{
		ApplicationTagKey: ApplicationTagValue,
		EnvironmentTagKey: opts.Environment,
		TypeTagKey:        spec.OwnerType,
		OwnerTagKey:       spec.Owner,
		CreatedByTagKey:   spec.CreatedBy,
	}, func(key, value string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
	})
}

func (p *DefaultProvider) shouldFailoverToOnDemand(ctx context.Context, fleetErrs []ec2types.CreateFleetError) bool {
	failoverCodes := options.FromContext(ctx).OnDemandFailoverCodes
	if len(failoverCodes) == 0 || len(fleetErrs) == 0 {
		return false
	}
	return lo.EveryBy(fleetErrs, func(e ec2types.CreateFleetError) bool {
		return lo.Contains(failoverCodes, aws.ToString(e.ErrorCode))
	})
}

// List returns all managed instances for the configured environment that are
// pending or running. Additional filters narrow the result, e.g. by the Owner
// or the creator tag.
func (p *DefaultProvider) List(ctx context.Context, filters ...ec2types.Filter) ([]*Instance, error) {
	out := &ec2.DescribeInstancesOutput{}
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2api, &ec2.DescribeInstancesInput{
		Filters: append([]ec2types.Filter{
			{
				Name:   aws.String("tag:" + ApplicationTagKey),
				Values: []string{ApplicationTagValue},
			},
			{
				Name:   aws.String("tag:" + EnvironmentTagKey),
				Values: []string{options.FromContext(ctx).Environment},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{string(ec2types.InstanceStateNamePending), string(ec2types.InstanceStateNameRunning)},
			},
		}, filters...),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing ec2 instances, %w", err)
		}
		out.Reservations = append(out.Reservations, page.Reservations...)
	}
	return instancesFromOutput(out), nil
}

// OwnerFilter narrows List to a single runner scope.
func OwnerFilter(owner string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("tag:" + OwnerTagKey), Values: []string{owner}}
}

// CreatedByFilter narrows List to instances launched by the given component.
func CreatedByFilter(creators ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("tag:" + CreatedByTagKey), Values: creators}
}

// StateFilter narrows List to the given instance states. It intersects with
// the pending and running states List always applies.
func StateFilter(states ...ec2types.InstanceStateName) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("instance-state-name"), Values: lo.Map(states, func(s ec2types.InstanceStateName, _ int) string { return string(s) })}
}

// IDFilter narrows List to the given instance ids.
func IDFilter(ids ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("instance-id"), Values: ids}
}

func (p *DefaultProvider) Terminate(ctx context.Context, id string) error {
	if _, err := p.ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		if awserrors.IsNotFound(err) {
			log.FromContext(ctx).V(1).Info("instance already terminated", "instance", id)
			return nil
		}
		return fmt.Errorf("terminating instance, %w", err)
	}
	return nil
}

func (p *DefaultProvider) CreateTags(ctx context.Context, id string, tags map[string]string) error {
	ec2Tags := lo.MapToSlice(tags, func(key, value string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
	})
	if _, err := p.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("tagging instance, %w", err)
	}
	return nil
}

func (p *DefaultProvider) DeleteTags(ctx context.Context, id string, keys []string) error {
	ec2Tags := lo.Map(keys, func(key string, _ int) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(key)}
	})
	if _, err := p.ec2api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("untagging instance, %w", err)
	}
	return nil
}

func instanceIDsFromFleet(out *ec2.CreateFleetOutput) []string {
	return lo.Flatten(lo.Map(out.Instances, func(i ec2types.CreateFleetInstance, _ int) []string {
		return i.InstanceIds
	}))
}

func fleetErrorCodes(fleetErrs []ec2types.CreateFleetError) []string {
	return lo.Uniq(lo.Map(fleetErrs, func(e ec2types.CreateFleetError, _ int) string {
		return aws.ToString(e.ErrorCode)
	}))
}

func instancesFromOutput(out *ec2.DescribeInstancesOutput) []*Instance {
	instances := lo.Flatten(lo.Map(out.Reservations, func(r ec2types.Reservation, _ int) []ec2types.Instance {
		return r.Instances
	}))
	// Get a consistent ordering for instances
	sort.Slice(instances, func(i, j int) bool {
		return aws.ToString(instances[i].InstanceId) < aws.ToString(instances[j].InstanceId)
	})
	return lo.Map(instances, func(i ec2types.Instance, _ int) *Instance { return NewInstance(i) })
}

func combineFleetErrors(fleetErrs []ec2types.CreateFleetError) (errs error) {
	unique := lo.Uniq(lo.Map(fleetErrs, func(e ec2types.CreateFleetError, _ int) string {
		return fmt.Sprintf("%s: %s", aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
	}))
	for _, errorCode := range unique {
		errs = multierr.Append(errs, goerrors.New(errorCode))
	}
	// Retriable when any code clears on its own; capacity may open up on a
	// later attempt even when other pools failed terminally
	if lo.SomeBy(fleetErrs, func(e ec2types.CreateFleetError) bool {
		return awserrors.IsRetriableFleetCode(aws.ToString(e.ErrorCode))
	}) {
		return awserrors.NewRetriableError(fmt.Errorf("with fleet error(s), %w", errs))
	}
	return fmt.Errorf("with fleet error(s), %w", errs)
}
