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

package scaledown

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerfleet/runnerfleet/pkg/metrics"
)

const (
	metricsSubsystemName = "scale_down"

	reasonIdle   = "idle"
	reasonOrphan = "orphan"
)

var (
	terminatedInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "terminated_instances_total",
			Help:      "Number of instances terminated by the reaper, partitioned by reason.",
		},
		[]string{metrics.ReasonLabel},
	)
	orphansMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "orphans_marked_total",
			Help:      "Number of instances marked as orphan for lacking an upstream registration.",
		},
	)
	orphansCleared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metricsSubsystemName,
			Name:      "orphans_cleared_total",
			Help:      "Number of orphan marks removed after the runner turned out healthy.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(terminatedInstances, orphansMarked, orphansCleared)
}
