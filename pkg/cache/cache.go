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

package cache

import "time"

const (
	// DefaultTTL restricts QPS to AWS APIs to this interval for verifying setup
	// resources. This value represents the maximum eventual consistency between
	// AWS actual state and the controller's ability to provision those resources.
	DefaultTTL = time.Minute
	// SSMParameterTTL is the time before a cached SSM parameter value is dropped and
	// re-read. Kept just under a minute so configuration rolls out quickly without
	// hammering the parameter store from the polling loops.
	SSMParameterTTL = 50 * time.Second
	// RunnerGroupTTL is the time before a resolved runner group id is re-checked
	// against the GitHub API. Group ids are effectively immutable, so this is long.
	RunnerGroupTTL = 24 * time.Hour
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = time.Minute
)
