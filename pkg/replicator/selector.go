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
	"strings"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Mode is the replication strategy of a source
type Mode int

const (
	// ModeNone means the source is not selected for replication
	ModeNone Mode = iota
	// ModeNamespaceList replicates into a literal list of namespaces
	ModeNamespaceList
	// ModeLabelSelector replicates into namespaces matching a label
	ModeLabelSelector
	// ModeClusterList replicates into the source namespace on other clusters
	ModeClusterList
)

func (m Mode) String() string {
	switch m {
	case ModeNamespaceList:
		return "NamespaceList"
	case ModeLabelSelector:
		return "LabelSelector"
	case ModeClusterList:
		return "ClusterList"
	default:
		return "None"
	}
}

// SyncSpec describes where a source must be replicated to
type SyncSpec struct {
	Mode Mode

	// Namespaces holds the literal target namespaces for ModeNamespaceList
	Namespaces []string

	// AllNamespaces is set for ModeNamespaceList when every namespace is targeted
	AllNamespaces bool

	// SelectorKey and SelectorValue hold the namespace label for ModeLabelSelector
	SelectorKey   string
	SelectorValue string

	// Clusters holds the target cluster names for ModeClusterList
	Clusters []string

	// Reason explains why a source carrying the sync label was not selected
	Reason string
}

// Invalid reports whether the source asked for replication but the directives are malformed
func (s SyncSpec) Invalid() bool {
	return s.Mode == ModeNone && s.Reason != ""
}

// LabelSelector returns the namespace selector for ModeLabelSelector
func (s SyncSpec) LabelSelector() labels.Selector {
	return labels.SelectorFromSet(labels.Set{s.SelectorKey: s.SelectorValue})
}

// IsSource checks if an object carries the sync label
func IsSource(obj client.Object) bool {
	_, ok := obj.GetLabels()[LabelSync]
	return ok
}

// ParseSyncSpec computes the SyncSpec from the labels and annotations of a source.
// A malformed directive never selects anything.
func ParseSyncSpec(lbls, annotations map[string]string) SyncSpec {
	mode, ok := lbls[LabelSync]
	if !ok {
		return SyncSpec{}
	}

	switch mode {
	case SyncModeNamespace:
		return parseNamespaceMode(annotations)
	case SyncModeCluster:
		clusters := ParseList(annotations[AnnotationClusters])
		if len(clusters) == 0 {
			return invalid("label %s=%s requires a non-empty %s annotation", LabelSync, mode, AnnotationClusters)
		}
		return SyncSpec{Mode: ModeClusterList, Clusters: clusters}
	default:
		return invalid("invalid value %q for label %s, must be %q or %q", mode, LabelSync, SyncModeNamespace, SyncModeCluster)
	}
}

func parseNamespaceMode(annotations map[string]string) SyncSpec {
	if names := strings.TrimSpace(annotations[AnnotationNamespacesNames]); names != "" {
		if names == AllNamespaces {
			return SyncSpec{Mode: ModeNamespaceList, AllNamespaces: true}
		}
		namespaces := ParseList(names)
		for _, ns := range namespaces {
			if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
				return invalid("invalid namespace %q in %s: %s", ns, AnnotationNamespacesNames, strings.Join(errs, "; "))
			}
		}
		return SyncSpec{Mode: ModeNamespaceList, Namespaces: namespaces}
	}

	if selector := strings.TrimSpace(annotations[AnnotationNamespaceLabel]); selector != "" {
		key, value, err := ParseLabelSelector(selector)
		if err != nil {
			return invalid("invalid %s annotation: %v", AnnotationNamespaceLabel, err)
		}
		return SyncSpec{Mode: ModeLabelSelector, SelectorKey: key, SelectorValue: value}
	}

	return invalid("label %s=%s requires a %s or %s annotation", LabelSync, SyncModeNamespace, AnnotationNamespacesNames, AnnotationNamespaceLabel)
}

// ParseLabelSelector parses a single "key=value" selector. The value may be double quoted.
func ParseLabelSelector(selector string) (key, value string, err error) {
	key, value, found := strings.Cut(selector, "=")
	if !found {
		return "", "", fmt.Errorf("expected 'key=value', got %q", selector)
	}

	key = strings.TrimSpace(key)
	value = strings.Trim(strings.TrimSpace(value), "\"")

	if errs := validation.IsQualifiedName(key); len(errs) > 0 {
		return "", "", fmt.Errorf("invalid label key %q: %s", key, strings.Join(errs, "; "))
	}
	if errs := validation.IsValidLabelValue(value); len(errs) > 0 {
		return "", "", fmt.Errorf("invalid label value %q: %s", value, strings.Join(errs, "; "))
	}

	return key, value, nil
}

// ParseList parses a comma-separated list, dropping empty items and duplicates
func ParseList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))

	for _, item := range parts {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}

	return result
}

func invalid(format string, args ...any) SyncSpec {
	return SyncSpec{Mode: ModeNone, Reason: fmt.Sprintf(format, args...)}
}
