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

package controller

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
	"github.com/guided-traffic/resource-sync-operator/pkg/config"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

// ControllerName is the name of the replication controller
const ControllerName = "resource-sync"

type queue = workqueue.TypedRateLimitingInterface[replicator.SourceKey]

// SetupWithManager watches Secrets, ConfigMaps and Namespaces on every
// ready cluster and feeds one work queue keyed by source. Clusters that
// become ready later are watched once the registry engages them.
func (r *ReplicationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Clusters == nil || r.Namespaces == nil {
		return fmt.Errorf("replication controller needs a cluster registry and a namespace manager")
	}

	cfg := r.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	b := builder.TypedControllerManagedBy[replicator.SourceKey](mgr).
		Named(ControllerName).
		WithOptions(controller.TypedOptions[replicator.SourceKey]{
			MaxConcurrentReconciles: cfg.Reconcile.MaxConcurrentReconciles,
			RateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[replicator.SourceKey](
				cfg.Reconcile.BaseDelay, cfg.Reconcile.MaxDelay),
		})

	watched := make(map[string]bool)
	for _, entry := range r.Clusters.Entries() {
		srcs, err := r.sources(entry)
		if err != nil {
			return err
		}
		for _, src := range srcs {
			b = b.WatchesRawSource(src)
		}
		watched[entry.Name] = true
	}

	c, err := b.Build(r)
	if err != nil {
		return err
	}
	r.controller = c

	for _, entry := range r.Clusters.Subscribe(r.engage) {
		if watched[entry.Name] {
			continue
		}
		if err := r.engage(entry); err != nil {
			return err
		}
	}
	return nil
}

// engage starts the watches of a cluster that became ready after setup
func (r *ReplicationReconciler) engage(entry clusters.Entry) error {
	srcs, err := r.sources(entry)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		if err := r.controller.Watch(src); err != nil {
			return fmt.Errorf("failed to watch cluster %q: %w", entry.Name, err)
		}
	}
	r.controller.GetLogger().Info("Watching cluster", "cluster", entry.Name)
	return nil
}

// sources returns the watches of one cluster
func (r *ReplicationReconciler) sources(entry clusters.Entry) ([]source.TypedSource[replicator.SourceKey], error) {
	if entry.Cluster == nil {
		return nil, fmt.Errorf("cluster %q has no cache to watch", entry.Name)
	}
	cache := entry.Cluster.GetCache()

	srcs := make([]source.TypedSource[replicator.SourceKey], 0, len(replicator.Kinds)+1)
	for _, kind := range replicator.Kinds {
		srcs = append(srcs, source.TypedKind[client.Object, replicator.SourceKey](
			cache, kind.NewObject(), r.objectHandler(entry.Name, kind)))
	}
	srcs = append(srcs, source.TypedKind[client.Object, replicator.SourceKey](
		cache, &corev1.Namespace{}, r.namespaceHandler(entry.Name)))
	return srcs, nil
}

// objectHandler maps Secret and ConfigMap events to source keys
func (r *ReplicationReconciler) objectHandler(cluster string, kind replicator.Kind) handler.TypedEventHandler[client.Object, replicator.SourceKey] {
	enqueue := func(q queue, objs ...client.Object) {
		for _, key := range sourceKeysForObject(cluster, kind, objs...) {
			q.Add(key)
		}
	}

	return handler.TypedFuncs[client.Object, replicator.SourceKey]{
		CreateFunc: func(_ context.Context, e event.TypedCreateEvent[client.Object], q queue) {
			enqueue(q, e.Object)
		},
		UpdateFunc: func(_ context.Context, e event.TypedUpdateEvent[client.Object], q queue) {
			enqueue(q, e.ObjectOld, e.ObjectNew)
		},
		DeleteFunc: func(_ context.Context, e event.TypedDeleteEvent[client.Object], q queue) {
			enqueue(q, e.Object)
		},
		GenericFunc: func(_ context.Context, e event.TypedGenericEvent[client.Object], q queue) {
			enqueue(q, e.Object)
		},
	}
}

// sourceKeysForObject returns the key of each object that is a source and the
// source key of each object that is a replica
func sourceKeysForObject(cluster string, kind replicator.Kind, objs ...client.Object) []replicator.SourceKey {
	seen := make(map[replicator.SourceKey]struct{})
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		if replicator.IsSource(obj) {
			seen[replicator.SourceKey{Cluster: cluster, Namespace: obj.GetNamespace(), Name: obj.GetName(), Kind: kind}] = struct{}{}
		}
		if key, ok := replicator.SourceKeyOf(obj, kind); ok {
			seen[key] = struct{}{}
		}
	}
	return slices.SortedFunc(maps.Keys(seen), compareKeys)
}

// namespaceHandler maps namespace events to the sources that may target the namespace
func (r *ReplicationReconciler) namespaceHandler(cluster string) handler.TypedEventHandler[client.Object, replicator.SourceKey] {
	enqueue := func(ctx context.Context, q queue, name string) {
		for _, key := range r.sourceKeysForNamespace(ctx, cluster, name) {
			q.Add(key)
		}
	}

	return handler.TypedFuncs[client.Object, replicator.SourceKey]{
		CreateFunc: func(ctx context.Context, e event.TypedCreateEvent[client.Object], q queue) {
			enqueue(ctx, q, e.Object.GetName())
		},
		UpdateFunc: func(ctx context.Context, e event.TypedUpdateEvent[client.Object], q queue) {
			if !namespaceChanged(e.ObjectOld, e.ObjectNew) {
				return
			}
			enqueue(ctx, q, e.ObjectNew.GetName())
		},
		DeleteFunc: func(ctx context.Context, e event.TypedDeleteEvent[client.Object], q queue) {
			enqueue(ctx, q, e.Object.GetName())
		},
	}
}

func namespaceChanged(oldNs, newNs client.Object) bool {
	if replicator.IsTerminating(oldNs) != replicator.IsTerminating(newNs) {
		return true
	}
	return !maps.Equal(oldNs.GetLabels(), newNs.GetLabels())
}

// sourceKeysForNamespace returns the namespace-mode sources of the cluster that
// may target the namespace, and the cluster-mode sources of other clusters that
// live in a namespace of the same name and list this cluster
func (r *ReplicationReconciler) sourceKeysForNamespace(ctx context.Context, cluster, namespace string) []replicator.SourceKey {
	log := log.FromContext(ctx)
	seen := make(map[replicator.SourceKey]struct{})

	for _, entry := range r.Clusters.Entries() {
		for _, kind := range replicator.Kinds {
			var opts []client.ListOption
			if entry.Name == cluster {
				opts = []client.ListOption{client.MatchingLabels{replicator.LabelSync: replicator.SyncModeNamespace}}
			} else {
				opts = []client.ListOption{client.InNamespace(namespace), client.MatchingLabels{replicator.LabelSync: replicator.SyncModeCluster}}
			}

			list := kind.NewList()
			if err := entry.Client.List(ctx, list, opts...); err != nil {
				log.Error(err, "failed to list sources for namespace event", "cluster", entry.Name, "namespace", namespace)
				continue
			}

			for _, obj := range kind.Items(list) {
				spec := replicator.ParseSyncSpec(obj.GetLabels(), obj.GetAnnotations())
				if !mayTarget(spec, cluster, namespace) {
					continue
				}
				seen[replicator.SourceKey{Cluster: entry.Name, Namespace: obj.GetNamespace(), Name: obj.GetName(), Kind: kind}] = struct{}{}
			}
		}
	}

	keys := slices.SortedFunc(maps.Keys(seen), compareKeys)
	if len(keys) > 0 {
		log.V(1).Info("Namespace change affects sources", "cluster", cluster, "namespace", namespace, "sources", len(keys))
	}
	return keys
}

// mayTarget reports whether a namespace event can change the targets of spec
func mayTarget(spec replicator.SyncSpec, cluster, namespace string) bool {
	switch spec.Mode {
	case replicator.ModeNamespaceList:
		return spec.AllNamespaces || slices.Contains(spec.Namespaces, namespace)
	case replicator.ModeLabelSelector:
		return true
	case replicator.ModeClusterList:
		return slices.Contains(spec.Clusters, cluster)
	}
	return false
}

func compareKeys(a, b replicator.SourceKey) int {
	return strings.Compare(a.String(), b.String())
}
