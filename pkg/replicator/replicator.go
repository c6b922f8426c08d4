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

package replicator

import (
	"fmt"

	"k8s.io/apimachinery/pkg/types"
)

const (
	// Prefix is the prefix for all replication labels and annotations
	Prefix = "rso.gtrfc.com/"

	// LabelSync activates replication on a source. Values: "namespace" or "cluster"
	LabelSync = Prefix + "sync"

	// LabelManaged marks replicas written by the operator. Informational only,
	// ownership is always decided by the provenance annotations.
	LabelManaged = Prefix + "managed"

	// AnnotationNamespacesNames comma-separated list of target namespaces (namespace mode)
	AnnotationNamespacesNames = Prefix + "namespaces-names"

	// AnnotationNamespaceLabel single key=value selector for target namespaces (namespace mode)
	AnnotationNamespaceLabel = Prefix + "namespace-label"

	// AnnotationClusters comma-separated list of target clusters (cluster mode)
	AnnotationClusters = Prefix + "clusters"

	// AnnotationSourceCluster name of the cluster the source lives in
	AnnotationSourceCluster = Prefix + "source-cluster"

	// AnnotationSourceNamespace namespace of the source
	AnnotationSourceNamespace = Prefix + "source-namespace"

	// AnnotationSourceResourceVersion resourceVersion of the source at the last sync
	AnnotationSourceResourceVersion = Prefix + "source-resource-version"

	// SyncModeNamespace replicates into other namespaces of the source cluster
	SyncModeNamespace = "namespace"

	// SyncModeCluster replicates into the same namespace on other clusters
	SyncModeCluster = "cluster"

	// AllNamespaces as the namespaces-names value selects every namespace of the source cluster
	AllNamespaces = "all"

	// AnnotationKubectlLastApplied is never copied to replicas
	AnnotationKubectlLastApplied = "kubectl.kubernetes.io/last-applied-configuration"
)

// SourceKey identifies a source resource across all registered clusters.
// It is the unit of serialization for reconciliation.
type SourceKey struct {
	Cluster   string
	Namespace string
	Name      string
	Kind      Kind
}

// NamespacedName returns the key of the source inside its cluster
func (k SourceKey) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: k.Namespace, Name: k.Name}
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s:%s/%s/%s", k.Cluster, k.Kind, k.Namespace, k.Name)
}

// Target is a destination for a replica
type Target struct {
	Cluster   string
	Namespace string
}

func (t Target) String() string {
	if t.Namespace == "" {
		return t.Cluster
	}
	return fmt.Sprintf("%s/%s", t.Cluster, t.Namespace)
}
