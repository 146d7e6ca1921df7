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

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/fake"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
)

type InstanceOptions struct {
	ID           string
	Owner        string
	OwnerType    string
	Environment  string
	CreatedBy    string
	RunnerID     string
	Orphan       bool
	LaunchTime   time.Time
	State        ec2types.InstanceStateName
	InstanceType ec2types.InstanceType
	Tags         map[string]string
}

// Instance builds an ec2types.Instance carrying the tags a managed runner
// instance carries, ready to be stored into the fake EC2 API.
func Instance(overrides ...InstanceOptions) ec2types.Instance {
	options := InstanceOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge instance options: %s", err))
		}
	}
	if options.ID == "" {
		options.ID = fake.InstanceID()
	}
	if options.Owner == "" {
		options.Owner = "test-org"
	}
	if options.OwnerType == "" {
		options.OwnerType = instance.OwnerTypeOrg
	}
	if options.Environment == "" {
		options.Environment = "test"
	}
	if options.CreatedBy == "" {
		options.CreatedBy = instance.CreatedByScaleUp
	}
	if options.State == "" {
		options.State = ec2types.InstanceStateNameRunning
	}
	if options.InstanceType == "" {
		options.InstanceType = ec2types.InstanceTypeM5Large
	}
	tags := map[string]string{
		instance.ApplicationTagKey: instance.ApplicationTagValue,
		instance.EnvironmentTagKey: options.Environment,
		instance.TypeTagKey:        options.OwnerType,
		instance.OwnerTagKey:       options.Owner,
		instance.CreatedByTagKey:   options.CreatedBy,
	}
	if options.RunnerID != "" {
		tags[instance.RunnerIDTagKey] = options.RunnerID
	}
	if options.Orphan {
		tags[instance.OrphanTagKey] = instance.OrphanTagValue
	}
	for key, value := range options.Tags {
		tags[key] = value
	}
	return ec2types.Instance{
		InstanceId:   aws.String(options.ID),
		InstanceType: options.InstanceType,
		LaunchTime:   aws.Time(options.LaunchTime),
		State:        &ec2types.InstanceState{Name: options.State},
		Tags: lo.MapToSlice(tags, func(key, value string) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
		}),
	}
}
