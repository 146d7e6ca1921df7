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
	"fmt"
	"strings"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// MatchesFilters applies DescribeInstances filters to an instance the way EC2
// does. Filters are chained with a logical "AND"; only the filter names the
// providers use are supported.
func MatchesFilters(instance ec2types.Instance, filters []ec2types.Filter) bool {
	return lo.EveryBy(filters, func(filter ec2types.Filter) bool {
		name := lo.FromPtr(filter.Name)
		switch {
		case name == "instance-id":
			return lo.Contains(filter.Values, lo.FromPtr(instance.InstanceId))
		case name == "instance-state-name":
			return instance.State != nil && lo.Contains(filter.Values, string(instance.State.Name))
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			tag, ok := lo.Find(instance.Tags, func(t ec2types.Tag) bool { return lo.FromPtr(t.Key) == key })
			return ok && (lo.Contains(filter.Values, "*") || lo.Contains(filter.Values, lo.FromPtr(tag.Value)))
		default:
			panic(fmt.Sprintf("unsupported mock filter %q", name))
		}
	})
}
