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

package jobretry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerfleet/runnerfleet/pkg/metrics"
)

const metricsSubsystemName = "job_retry"

var (
	receivedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "received_messages_total",
			Help:      "Number of messages received from the retry queue.",
		},
	)
	retriedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "retried_messages_total",
			Help:      "Number of messages forwarded to the scale-up queue because their job was still queued.",
		},
	)
	droppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "dropped_messages_total",
			Help:      "Number of messages dropped because their job already left the queue.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(receivedMessages, retriedMessages, droppedMessages)
}
