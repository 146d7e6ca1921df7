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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// Tag keys carried by every managed instance. These are wire-visible: other
// tooling selects runners by them, so they never change.
const (
	ApplicationTagKey = "ghr:Application"
	EnvironmentTagKey = "ghr:environment"
	TypeTagKey        = "Type"
	OwnerTagKey       = "Owner"
	CreatedByTagKey   = "ghr:created_by"
	RunnerIDTagKey    = "ghr:github_runner_id"
	OrphanTagKey      = "ghr:orphan"

	ApplicationTagValue = "github-action-runner"
	OrphanTagValue      = "true"
)

// Values of the Type tag.
const (
	OwnerTypeOrg  = "Org"
	OwnerTypeRepo = "Repo"
)

// Values of the creator tag.
const (
	CreatedByScaleUp = "scale-up"
	CreatedByPool    = "pool"
)

const (
	CapacityTypeSpot     = "spot"
	CapacityTypeOnDemand = "on-demand"
)

// RunnerSpec describes a single fleet request: how many runners to launch for
// one scope and which tags identify them afterwards.
type RunnerSpec struct {
	// Owner is the runner scope, either an organization name or "org/repo".
	Owner string
	// OwnerType is the scope kind for the Type tag, "Org" or "Repo".
	OwnerType string
	// CreatedBy records which component asked for the capacity.
	CreatedBy string
	Count     int
}

// Instance is an internal data representation of an ec2.Instance.
// It holds the fields the reconciliation loops act on.
type Instance struct {
	LaunchTime time.Time
	State      ec2types.InstanceStateName
	ID         string
	Type       ec2types.InstanceType
	Tags       map[string]string
}

func NewInstance(out ec2types.Instance) *Instance {
	return &Instance{
		LaunchTime: aws.ToTime(out.LaunchTime),
		State:      out.State.Name,
		ID:         aws.ToString(out.InstanceId),
		Type:       out.InstanceType,
		Tags:       lo.SliceToMap(out.Tags, func(t ec2types.Tag) (string, string) { return aws.ToString(t.Key), aws.ToString(t.Value) }),
	}
}

func (i *Instance) Owner() string {
	return i.Tags[OwnerTagKey]
}

func (i *Instance) CreatedBy() string {
	return i.Tags[CreatedByTagKey]
}

// RunnerID returns the upstream runner id tag, empty until a JIT registration
// succeeded for this instance.
func (i *Instance) RunnerID() string {
	return i.Tags[RunnerIDTagKey]
}

func (i *Instance) IsOrphan() bool {
	_, ok := i.Tags[OrphanTagKey]
	return ok
}
