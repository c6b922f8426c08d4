/*
Copyright 2025 Guided Traffic.

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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	namespace = "rso"

	LabelKind      = "kind"
	LabelCluster   = "cluster"
	LabelOperation = "operation"
	LabelClass     = "class"

	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

var (
	// ReplicaOperations counts successful writes of replicas
	ReplicaOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_operations_total",
			Help:      "Total number of replica creates, updates and deletes.",
		},
		[]string{LabelKind, LabelCluster, LabelOperation},
	)

	// TargetErrors counts failed targets by error class. A target that keeps
	// failing is counted on every reconcile.
	TargetErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_errors_total",
			Help:      "Total number of failed replication targets by error class.",
		},
		[]string{LabelKind, LabelClass},
	)

	// InvalidSyncSpecs counts sources whose sync directives could not be parsed
	InvalidSyncSpecs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_sync_specs_total",
			Help:      "Total number of reconciles of sources with malformed sync directives.",
		},
		[]string{LabelKind},
	)

	// ClusterUp is 1 when a cluster is connected and passed its last health check
	ClusterUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_up",
			Help:      "Indicates if a registered cluster is reachable (1 for up, 0 for down).",
		},
		[]string{LabelCluster},
	)
)

func init() {
	crmetrics.Registry.MustRegister(ReplicaOperations, TargetErrors, InvalidSyncSpecs, ClusterUp)
}

// RecordOperation counts a successful replica write
func RecordOperation(kind, cluster, operation string) {
	ReplicaOperations.WithLabelValues(kind, cluster, operation).Inc()
}

// RecordTargetError counts a failed target
func RecordTargetError(kind, class string) {
	TargetErrors.WithLabelValues(kind, class).Inc()
}

// RecordInvalidSyncSpec counts a source with malformed directives
func RecordInvalidSyncSpec(kind string) {
	InvalidSyncSpecs.WithLabelValues(kind).Inc()
}

// SetClusterUp records the reachability of a cluster
func SetClusterUp(cluster string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	ClusterUp.WithLabelValues(cluster).Set(value)
}
