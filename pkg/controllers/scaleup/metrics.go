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

package scaleup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerfleet/runnerfleet/pkg/metrics"
)

const metricsSubsystemName = "scale_up"

var (
	receivedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "received_messages",
			Help:      "Count of scale messages received from the scale-up queue.",
		},
	)
	deletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "deleted_messages",
			Help:      "Count of scale messages deleted from the scale-up queue after processing.",
		},
	)
	rejectedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "rejected_messages",
			Help:      "Count of scale messages left on the queue for redelivery.",
		},
	)
	droppedJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "dropped_jobs",
			Help:      "Count of scale messages dropped because their job was no longer queued.",
		},
	)
	createdInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "created_instances",
			Help:      "Count of runner instances created. Broken down by the owning scope.",
		},
		[]string{metrics.OwnerLabel},
	)
	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "batch_duration_seconds",
			Help:      "Duration of scale-up batch processing.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(receivedMessages, deletedMessages, rejectedMessages, droppedJobs, createdInstances, batchDuration)
}
