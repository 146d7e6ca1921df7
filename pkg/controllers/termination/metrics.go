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

package termination

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerfleet/runnerfleet/pkg/metrics"
)

const metricsSubsystemName = "termination"

var (
	receivedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "received_messages_total",
			Help:      "Number of messages received from the interruption queue.",
		},
	)
	interruptedInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "interrupted_instances_total",
			Help:      "Number of managed instances that received a spot interruption warning, partitioned by owner.",
		},
		[]string{metrics.OwnerLabel},
	)
)

func init() {
	metrics.Registry.MustRegister(receivedMessages, interruptedInstances)
}
