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

package namespaces

import (
	"context"
	"errors"
	"fmt"
	"maps"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
)

// LabelMetadataName is set by the API server on every namespace and never copied
const LabelMetadataName = "kubernetes.io/metadata.name"

var (
	// ErrNamespaceMissing is returned when a target namespace does not exist and creation is disabled
	ErrNamespaceMissing = errors.New("namespace does not exist")

	// ErrNamespaceTerminating is returned when a target namespace is being deleted
	ErrNamespaceTerminating = errors.New("namespace is terminating")
)

// Manager makes sure target namespaces exist
type Manager struct {
	clusters      *clusters.Registry
	createMissing bool
}

// NewManager creates a Manager. When createMissing is false, Ensure never creates namespaces.
func NewManager(registry *clusters.Registry, createMissing bool) *Manager {
	return &Manager{clusters: registry, createMissing: createMissing}
}

// Ensure makes sure the namespace exists on the cluster. An existing namespace
// is left untouched, labels are only applied on creation.
func (m *Manager) Ensure(ctx context.Context, cluster, name string, lbls map[string]string) error {
	log := log.FromContext(ctx).WithValues("cluster", cluster, "namespace", name)

	c, err := m.clusters.Client(cluster)
	if err != nil {
		return err
	}

	ns := &corev1.Namespace{}
	err = c.Get(ctx, types.NamespacedName{Name: name}, ns)
	switch {
	case err == nil:
		if !ns.DeletionTimestamp.IsZero() {
			return fmt.Errorf("%w: %s", ErrNamespaceTerminating, name)
		}
		if missing := missingLabels(ns.Labels, lbls); len(missing) > 0 {
			log.V(1).Info("Existing namespace differs from source namespace labels, leaving it unchanged", "missingLabels", missing)
		}
		return nil
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("failed to get namespace: %w", err)
	}

	if !m.createMissing {
		return fmt.Errorf("%w: %s on cluster %s", ErrNamespaceMissing, name, cluster)
	}

	ns = &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: TargetLabels(lbls),
		},
	}
	if err := c.Create(ctx, ns); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create namespace: %w", err)
	}

	log.Info("Created target namespace")
	return nil
}

// TargetLabels returns the labels to put on a created namespace
func TargetLabels(source map[string]string) map[string]string {
	if len(source) == 0 {
		return nil
	}
	out := maps.Clone(source)
	delete(out, LabelMetadataName)
	return out
}

func missingLabels(have, want map[string]string) []string {
	var missing []string
	for key, value := range want {
		if key == LabelMetadataName {
			continue
		}
		if have[key] != value {
			missing = append(missing, key)
		}
	}
	return missing
}
