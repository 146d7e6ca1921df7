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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerfleet/runnerfleet/pkg/metrics"
)

const metricsSubsystemName = "pool"

var (
	poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "size",
			Help:      "Observed pool size at the last tick, partitioned by owner.",
		},
		[]string{metrics.OwnerLabel},
	)
	createdInstances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "created_instances_total",
			Help:      "Number of instances created by pool top-ups.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(poolSize, createdInstances)
}
