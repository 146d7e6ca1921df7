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

package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
)

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	CreateFleetBehavior        MockedFunction[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	DescribeInstancesBehavior  MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	TerminateInstancesBehavior MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	CreateTagsBehavior         MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	DeleteTagsBehavior         MockedFunction[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]
	Instances                  AtomicInstanceStore
}

type EC2API struct {
	sdk.EC2API
	EC2Behavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.CreateFleetBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.DeleteTagsBehavior.Reset()
	e.Instances.Reset()
}

func InstanceID() string {
	return fmt.Sprintf("i-%s", randomdata.Alphanumeric(17))
}

// CreateFleet fabricates one running instance per requested unit of capacity
// and remembers it, so later DescribeInstances calls see what was launched.
func (e *EC2API) CreateFleet(_ context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return e.CreateFleetBehavior.Invoke(input, func(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
		if lo.FromPtr(input.LaunchTemplateConfigs[0].LaunchTemplateSpecification.LaunchTemplateName) == "" {
			return nil, fmt.Errorf("missing launch template name")
		}
		var ids []string
		for range int(lo.FromPtr(input.TargetCapacitySpecification.TotalTargetCapacity)) {
			instance := ec2types.Instance{
				InstanceId:   aws.String(InstanceID()),
				InstanceType: input.LaunchTemplateConfigs[0].Overrides[0].InstanceType,
				LaunchTime:   aws.Time(time.Now()),
				State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				Tags:         instanceTags(input.TagSpecifications),
			}
			e.Instances.Store(instance)
			ids = append(ids, lo.FromPtr(instance.InstanceId))
		}
		return &ec2.CreateFleetOutput{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: ids}},
		}, nil
	})
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		instances := lo.Filter(e.Instances.All(), func(i ec2types.Instance, _ int) bool {
			return MatchesFilters(i, input.Filters)
		})
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: instances}},
		}, nil
	})
}

func (e *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return e.TerminateInstancesBehavior.Invoke(input, func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		out := &ec2.TerminateInstancesOutput{}
		for _, id := range input.InstanceIds {
			e.Instances.Delete(id)
			out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
				InstanceId:   aws.String(id),
				CurrentState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
			})
		}
		return out, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		for _, id := range input.Resources {
			e.Instances.Update(id, func(instance ec2types.Instance) ec2types.Instance {
				for _, tag := range input.Tags {
					instance.Tags = append(lo.Reject(instance.Tags, func(t ec2types.Tag, _ int) bool {
						return lo.FromPtr(t.Key) == lo.FromPtr(tag.Key)
					}), tag)
				}
				return instance
			})
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) DeleteTags(_ context.Context, input *ec2.DeleteTagsInput, _ ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	return e.DeleteTagsBehavior.Invoke(input, func(input *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
		keys := lo.Map(input.Tags, func(t ec2types.Tag, _ int) string { return lo.FromPtr(t.Key) })
		for _, id := range input.Resources {
			e.Instances.Update(id, func(instance ec2types.Instance) ec2types.Instance {
				instance.Tags = lo.Reject(instance.Tags, func(t ec2types.Tag, _ int) bool {
					return lo.Contains(keys, lo.FromPtr(t.Key))
				})
				return instance
			})
		}
		return &ec2.DeleteTagsOutput{}, nil
	})
}

func instanceTags(specs []ec2types.TagSpecification) []ec2types.Tag {
	spec, ok := lo.Find(specs, func(s ec2types.TagSpecification) bool { return s.ResourceType == ec2types.ResourceTypeInstance })
	if !ok {
		return nil
	}
	return spec.Tags
}

// AtomicInstanceStore keeps the fake's launched instances in a race-free map
// keyed by instance id.
type AtomicInstanceStore struct {
	mu        sync.Mutex
	instances map[string]ec2types.Instance
}

func (s *AtomicInstanceStore) Store(instance ec2types.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances == nil {
		s.instances = map[string]ec2types.Instance{}
	}
	s.instances[lo.FromPtr(instance.InstanceId)] = instance
}

func (s *AtomicInstanceStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

func (s *AtomicInstanceStore) Update(id string, fn func(ec2types.Instance) ec2types.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance, ok := s.instances[id]; ok {
		s.instances[id] = fn(instance)
	}
}

// All returns the stored instances ordered by id.
func (s *AtomicInstanceStore) All() []ec2types.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := lo.Values(s.instances)
	sort.Slice(instances, func(i, j int) bool {
		return lo.FromPtr(instances[i].InstanceId) < lo.FromPtr(instances[j].InstanceId)
	})
	return instances
}

func (s *AtomicInstanceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *AtomicInstanceStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = nil
}
