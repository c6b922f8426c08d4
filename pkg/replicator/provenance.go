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
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ProvenanceIndexKey is the field index that maps replicas to their source
const ProvenanceIndexKey = "rso.provenance"

// ErrNotOwned is returned when a same-named object exists at a target but is not a replica of the source
var ErrNotOwned = errors.New("object exists and is not a replica of this source")

// Provenance identifies the source of a replica and the source version it was synced from
type Provenance struct {
	SourceCluster         string
	SourceNamespace       string
	SourceResourceVersion string
}

// ReadProvenance reads the provenance annotations of an object.
// The second return value is false if the object is not a replica.
func ReadProvenance(obj client.Object) (Provenance, bool) {
	annotations := obj.GetAnnotations()
	p := Provenance{
		SourceCluster:         annotations[AnnotationSourceCluster],
		SourceNamespace:       annotations[AnnotationSourceNamespace],
		SourceResourceVersion: annotations[AnnotationSourceResourceVersion],
	}
	if p.SourceCluster == "" || p.SourceNamespace == "" {
		return Provenance{}, false
	}
	return p, true
}

// SourceKeyOf returns the key of the source a replica was copied from
func SourceKeyOf(replica client.Object, kind Kind) (SourceKey, bool) {
	p, ok := ReadProvenance(replica)
	if !ok {
		return SourceKey{}, false
	}
	return SourceKey{
		Cluster:   p.SourceCluster,
		Namespace: p.SourceNamespace,
		Name:      replica.GetName(),
		Kind:      kind,
	}, true
}

// IsOwnedBy checks if an object is a replica of the given source.
// Ownership is never inferred from the name alone.
func IsOwnedBy(obj client.Object, key SourceKey) bool {
	if obj.GetName() != key.Name {
		return false
	}
	if kind, ok := KindOf(obj); !ok || kind != key.Kind {
		return false
	}
	p, ok := ReadProvenance(obj)
	if !ok {
		return false
	}
	return p.SourceCluster == key.Cluster && p.SourceNamespace == key.Namespace
}

// IsStale checks if a replica was synced from a different version of the source
func IsStale(replica, source client.Object) bool {
	return replica.GetAnnotations()[AnnotationSourceResourceVersion] != source.GetResourceVersion()
}

// IndexValue returns the provenance index value of a source
func IndexValue(key SourceKey) string {
	return fmt.Sprintf("%s/%s/%s", key.Cluster, key.Namespace, key.Name)
}

// ProvenanceIndexValue extracts the provenance index value of a replica. It is
// meant to be registered as a client.IndexerFunc.
func ProvenanceIndexValue(obj client.Object) []string {
	p, ok := ReadProvenance(obj)
	if !ok {
		return nil
	}
	return []string{fmt.Sprintf("%s/%s/%s", p.SourceCluster, p.SourceNamespace, obj.GetName())}
}

// BuildReplica creates a new replica of source for the target namespace
func BuildReplica(source client.Object, sourceCluster, targetNamespace string) (client.Object, error) {
	kind, ok := KindOf(source)
	if !ok {
		return nil, fmt.Errorf("unsupported object type %T", source)
	}

	replica := kind.NewObject()
	replica.SetName(source.GetName())
	replica.SetNamespace(targetNamespace)

	if err := ApplyReplica(source, replica, sourceCluster); err != nil {
		return nil, err
	}
	return replica, nil
}

// ApplyReplica overwrites payload, labels and annotations of replica with the
// content of source and stamps provenance. Identity fields of replica
// (name, namespace, uid, resourceVersion), owner references and finalizers
// are kept.
func ApplyReplica(source, replica client.Object, sourceCluster string) error {
	if err := copyPayload(source, replica); err != nil {
		return err
	}

	replica.SetLabels(replicaLabels(source.GetLabels()))
	replica.SetAnnotations(replicaAnnotations(source, sourceCluster))

	return nil
}

// NeedsUpdate reports whether replica differs from what ApplyReplica would
// produce. It catches both a new source version and edits made to the replica.
func NeedsUpdate(source, replica client.Object, sourceCluster string) bool {
	if IsStale(replica, source) {
		return true
	}
	desired, ok := replica.DeepCopyObject().(client.Object)
	if !ok {
		return true
	}
	if err := ApplyReplica(source, desired, sourceCluster); err != nil {
		return true
	}
	return !equality.Semantic.DeepEqual(replica, desired)
}

// replicaLabels copies the source labels without the sync label, so a replica
// is never selectable itself
func replicaLabels(source map[string]string) map[string]string {
	out := make(map[string]string, len(source)+1)
	for key, value := range source {
		if key == LabelSync {
			continue
		}
		out[key] = value
	}
	out[LabelManaged] = "true"
	return out
}

func replicaAnnotations(source client.Object, sourceCluster string) map[string]string {
	out := make(map[string]string, len(source.GetAnnotations())+3)
	for key, value := range source.GetAnnotations() {
		switch key {
		case AnnotationNamespacesNames, AnnotationNamespaceLabel, AnnotationClusters, AnnotationKubectlLastApplied:
			continue
		}
		out[key] = value
	}
	out[AnnotationSourceCluster] = sourceCluster
	out[AnnotationSourceNamespace] = source.GetNamespace()
	out[AnnotationSourceResourceVersion] = source.GetResourceVersion()
	return out
}

// IsTerminating checks if an object has a deletion timestamp
func IsTerminating(obj metav1.Object) bool {
	return !obj.GetDeletionTimestamp().IsZero()
}
