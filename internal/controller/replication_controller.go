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
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
	"github.com/guided-traffic/resource-sync-operator/pkg/config"
	"github.com/guided-traffic/resource-sync-operator/pkg/metrics"
	"github.com/guided-traffic/resource-sync-operator/pkg/namespaces"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

const (
	// Event reasons for replication
	EventReasonReplicationSucceeded = "ReplicationSucceeded"
	EventReasonReplicationFailed    = "ReplicationFailed"
	EventReasonReplicaDeleted       = "ReplicaDeleted"
	EventReasonInvalidSyncSpec      = "InvalidSyncSpec"
	EventReasonReplicaConflict      = "ReplicaConflict"
)

// ReplicationReconciler converges the replicas of one source across all registered clusters
type ReplicationReconciler struct {
	Clusters   *clusters.Registry
	Namespaces *namespaces.Manager
	Config     *config.Config

	// EventRecorder is used when the source cluster has no recorder of its own
	EventRecorder record.EventRecorder

	controller controller.TypedController[replicator.SourceKey]
}

// Reconcile computes the desired targets D and the existing replicas E of a
// source, then creates D\E, updates D∩E and deletes E\D.
func (r *ReplicationReconciler) Reconcile(ctx context.Context, key replicator.SourceKey) (ctrl.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("source", key.String()))
	log := log.FromContext(ctx)

	sourceClient, err := r.Clusters.Client(key.Cluster)
	if err != nil {
		log.Info("Ignoring source on unregistered cluster")
		return ctrl.Result{}, nil
	}

	source, err := r.getSource(ctx, sourceClient, key)
	if err != nil {
		log.Error(err, "failed to get source")
		return ctrl.Result{}, err
	}

	var spec replicator.SyncSpec
	if source != nil {
		spec = replicator.ParseSyncSpec(source.GetLabels(), source.GetAnnotations())
		if spec.Invalid() {
			metrics.RecordInvalidSyncSpec(string(key.Kind))
			r.event(key.Cluster, source, corev1.EventTypeWarning, EventReasonInvalidSyncSpec, spec.Reason)
			log.Info("Source has invalid sync directives", "reason", spec.Reason)
		}
	}

	desired, failures, err := r.desiredTargets(ctx, sourceClient, key, spec)
	if err != nil {
		// without D nothing can be deleted safely
		log.Error(err, "failed to resolve targets")
		return ctrl.Result{}, err
	}

	existing, unreachable := r.existingReplicas(ctx, key)

	var nsLabels map[string]string
	if spec.Mode == replicator.ModeClusterList && len(desired) > 0 {
		if nsLabels, err = sourceNamespaceLabels(ctx, sourceClient, key.Namespace); err != nil {
			log.Error(err, "failed to read source namespace")
			return ctrl.Result{}, err
		}
	}

	wanted := make(map[replicator.Target]bool, len(desired))
	reported := make(map[string]bool, len(unreachable))
	for _, target := range desired {
		wanted[target] = true
		if listErr, down := unreachable[target.Cluster]; down {
			failures = append(failures, targetError{target: target, err: listErr})
			reported[target.Cluster] = true
			continue
		}
		if err := r.syncTarget(ctx, key, source, target, existing[target], nsLabels); err != nil {
			failures = append(failures, targetError{target: target, err: err})
		}
	}

	for _, target := range sortedTargets(existing) {
		if wanted[target] {
			continue
		}
		if err := r.deleteReplica(ctx, key, source, target, existing[target]); err != nil {
			failures = append(failures, targetError{target: target, err: err})
		}
	}

	// replicas on a cluster that could not be listed may still need deleting
	for _, name := range slices.Sorted(maps.Keys(unreachable)) {
		if !reported[name] {
			failures = append(failures, targetError{target: replicator.Target{Cluster: name}, err: unreachable[name]})
		}
	}

	return r.report(ctx, key, source, failures)
}

// getSource returns nil when the source is gone or being deleted
func (r *ReplicationReconciler) getSource(ctx context.Context, c client.Client, key replicator.SourceKey) (client.Object, error) {
	source := key.Kind.NewObject()
	if err := c.Get(ctx, key.NamespacedName(), source); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if replicator.IsTerminating(source) {
		return nil, nil
	}
	return source, nil
}

// desiredTargets resolves the SyncSpec into targets. Targets that cannot be
// resolved (unregistered clusters) are returned as failures.
func (r *ReplicationReconciler) desiredTargets(ctx context.Context, c client.Client, key replicator.SourceKey, spec replicator.SyncSpec) ([]replicator.Target, []targetError, error) {
	switch spec.Mode {
	case replicator.ModeNamespaceList:
		if spec.AllNamespaces {
			targets, err := namespaceTargets(ctx, c, key)
			return targets, nil, err
		}
		targets := make([]replicator.Target, 0, len(spec.Namespaces))
		for _, ns := range spec.Namespaces {
			if ns == key.Namespace {
				continue
			}
			targets = append(targets, replicator.Target{Cluster: key.Cluster, Namespace: ns})
		}
		return targets, nil, nil

	case replicator.ModeLabelSelector:
		targets, err := namespaceTargets(ctx, c, key, client.MatchingLabelsSelector{Selector: spec.LabelSelector()})
		return targets, nil, err

	case replicator.ModeClusterList:
		var targets []replicator.Target
		var failures []targetError
		for _, name := range spec.Clusters {
			if name == key.Cluster {
				continue
			}
			target := replicator.Target{Cluster: name, Namespace: key.Namespace}
			if _, err := r.Clusters.Client(name); err != nil {
				failures = append(failures, targetError{target: target, err: err})
				continue
			}
			targets = append(targets, target)
		}
		return targets, failures, nil
	}

	return nil, nil, nil
}

// namespaceTargets lists the namespaces of the source cluster, skipping the
// source namespace and namespaces being deleted
func namespaceTargets(ctx context.Context, c client.Client, key replicator.SourceKey, opts ...client.ListOption) ([]replicator.Target, error) {
	list := &corev1.NamespaceList{}
	if err := c.List(ctx, list, opts...); err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	targets := make([]replicator.Target, 0, len(list.Items))
	for i := range list.Items {
		ns := &list.Items[i]
		if ns.Name == key.Namespace || replicator.IsTerminating(ns) {
			continue
		}
		targets = append(targets, replicator.Target{Cluster: key.Cluster, Namespace: ns.Name})
	}
	return targets, nil
}

// existingReplicas finds the replicas of a source on every ready cluster.
// Clusters that failed their health check or cannot be listed are returned in
// the second map.
func (r *ReplicationReconciler) existingReplicas(ctx context.Context, key replicator.SourceKey) (map[replicator.Target]client.Object, map[string]error) {
	log := log.FromContext(ctx)

	existing := make(map[replicator.Target]client.Object)
	unreachable := make(map[string]error)

	for _, entry := range r.Clusters.Entries() {
		if err := r.Clusters.Reachable(entry.Name); err != nil {
			unreachable[entry.Name] = err
			continue
		}

		list := key.Kind.NewList()
		if err := entry.Client.List(ctx, list, client.MatchingFields{replicator.ProvenanceIndexKey: replicator.IndexValue(key)}); err != nil {
			unreachable[entry.Name] = fmt.Errorf("failed to list replicas: %w", err)
			log.Error(err, "failed to list replicas", "cluster", entry.Name)
			continue
		}

		for _, obj := range key.Kind.Items(list) {
			if !replicator.IsOwnedBy(obj, key) {
				continue
			}
			if entry.Name == key.Cluster && obj.GetNamespace() == key.Namespace {
				continue
			}
			existing[replicator.Target{Cluster: entry.Name, Namespace: obj.GetNamespace()}] = obj
		}
	}

	return existing, unreachable
}

func sourceNamespaceLabels(ctx context.Context, c client.Client, name string) (map[string]string, error) {
	ns := &corev1.Namespace{}
	if err := c.Get(ctx, types.NamespacedName{Name: name}, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source namespace: %w", err)
	}
	return namespaces.TargetLabels(ns.Labels), nil
}

// syncTarget makes the replica at target match the source. replica is the
// replica found in the cache, or nil.
func (r *ReplicationReconciler) syncTarget(ctx context.Context, key replicator.SourceKey, source client.Object, target replicator.Target, replica client.Object, nsLabels map[string]string) error {
	c, err := r.Clusters.Client(target.Cluster)
	if err != nil {
		return err
	}

	if replica == nil {
		return r.createReplica(ctx, c, key, source, target, nsLabels)
	}
	if !replicator.NeedsUpdate(source, replica, key.Cluster) {
		return nil
	}
	return r.updateReplica(ctx, c, key, source, target)
}

func (r *ReplicationReconciler) createReplica(ctx context.Context, c client.Client, key replicator.SourceKey, source client.Object, target replicator.Target, nsLabels map[string]string) error {
	log := log.FromContext(ctx)

	if err := r.Namespaces.Ensure(ctx, target.Cluster, target.Namespace, nsLabels); err != nil {
		return err
	}

	replica, err := replicator.BuildReplica(source, key.Cluster, target.Namespace)
	if err != nil {
		return err
	}

	if err := c.Create(ctx, replica); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Not in the index; only overwrite it if the provenance says it is ours
			return r.updateReplica(ctx, c, key, source, target)
		}
		return fmt.Errorf("failed to create replica: %w", err)
	}

	metrics.RecordOperation(string(key.Kind), target.Cluster, metrics.OperationCreate)
	r.event(key.Cluster, source, corev1.EventTypeNormal, EventReasonReplicationSucceeded,
		fmt.Sprintf("Created replica in %s", target))
	log.Info("Created replica", "target", target.String())
	return nil
}

// updateReplica reads the replica fresh on every attempt, so a conflict never
// overwrites a concurrent change with stale content
func (r *ReplicationReconciler) updateReplica(ctx context.Context, c client.Client, key replicator.SourceKey, source client.Object, target replicator.Target) error {
	log := log.FromContext(ctx)
	name := types.NamespacedName{Namespace: target.Namespace, Name: key.Name}

	operation := ""
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		operation = ""

		current := key.Kind.NewObject()
		if err := c.Get(ctx, name, current); err != nil {
			return err
		}
		if !replicator.IsOwnedBy(current, key) {
			return fmt.Errorf("%w: %s %s in %s", replicator.ErrNotOwned, key.Kind, key.Name, target)
		}
		if !replicator.NeedsUpdate(source, current, key.Cluster) {
			return nil
		}

		if replicator.NeedsRecreate(source, current) {
			operation = metrics.OperationCreate
			return r.recreateReplica(ctx, c, key, source, target, current)
		}

		if err := replicator.ApplyReplica(source, current, key.Cluster); err != nil {
			return err
		}
		if err := c.Update(ctx, current); err != nil {
			return err
		}
		operation = metrics.OperationUpdate
		return nil
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("replica disappeared during update, will create it again: %w", err)
		}
		if errors.Is(err, replicator.ErrNotOwned) {
			return err
		}
		return fmt.Errorf("failed to update replica: %w", err)
	}

	if operation != "" {
		metrics.RecordOperation(string(key.Kind), target.Cluster, operation)
		r.event(key.Cluster, source, corev1.EventTypeNormal, EventReasonReplicationSucceeded,
			fmt.Sprintf("Updated replica in %s to source version %s", target, source.GetResourceVersion()))
		log.Info("Updated replica", "target", target.String(), "sourceResourceVersion", source.GetResourceVersion())
	}
	return nil
}

// recreateReplica replaces a replica whose immutable fields differ from the source
func (r *ReplicationReconciler) recreateReplica(ctx context.Context, c client.Client, key replicator.SourceKey, source client.Object, target replicator.Target, current client.Object) error {
	uid := current.GetUID()
	if err := c.Delete(ctx, current, client.Preconditions{UID: &uid}); err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	replica, err := replicator.BuildReplica(source, key.Cluster, target.Namespace)
	if err != nil {
		return err
	}
	if err := c.Create(ctx, replica); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("waiting for old replica to be removed: %w", err)
		}
		return err
	}
	return nil
}

func (r *ReplicationReconciler) deleteReplica(ctx context.Context, key replicator.SourceKey, source client.Object, target replicator.Target, replica client.Object) error {
	log := log.FromContext(ctx)

	if replicator.IsTerminating(replica) {
		return nil
	}

	c, err := r.Clusters.Client(target.Cluster)
	if err != nil {
		return err
	}

	if err := c.Delete(ctx, replica); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete replica: %w", err)
	}

	metrics.RecordOperation(string(key.Kind), target.Cluster, metrics.OperationDelete)
	r.event(key.Cluster, source, corev1.EventTypeNormal, EventReasonReplicaDeleted,
		fmt.Sprintf("Deleted replica in %s", target))
	log.Info("Deleted replica", "target", target.String())
	return nil
}

// report turns per-target failures into the reconcile result. Only transient
// failures are returned as an error; the others are reported and left alone.
func (r *ReplicationReconciler) report(ctx context.Context, key replicator.SourceKey, source client.Object, failures []targetError) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	var result ctrl.Result
	var transient []error

	for _, f := range failures {
		class := classify(f.err)
		metrics.RecordTargetError(string(key.Kind), string(class))

		switch class {
		case classTransient:
			transient = append(transient, f)
			log.Error(f.err, "Replication to target failed, will retry", "target", f.target.String())
		case classUnknownCluster:
			result.RequeueAfter = r.unknownClusterRequeue()
			log.Info("Target cluster is not registered", "target", f.target.String())
		default:
			log.Error(f.err, "Replication to target failed permanently", "target", f.target.String())
		}

		reason := EventReasonReplicationFailed
		if errors.Is(f.err, replicator.ErrNotOwned) {
			reason = EventReasonReplicaConflict
		}
		r.event(key.Cluster, source, corev1.EventTypeWarning, reason, f.Error())
	}

	if len(transient) > 0 {
		return ctrl.Result{}, utilerrors.NewAggregate(transient)
	}
	return result, nil
}

func (r *ReplicationReconciler) unknownClusterRequeue() time.Duration {
	if r.Config == nil || r.Config.Reconcile.UnknownClusterRequeue <= 0 {
		return config.DefaultUnknownClusterRequeue
	}
	return r.Config.Reconcile.UnknownClusterRequeue
}

// event records an event on the source using the recorder of the source cluster
func (r *ReplicationReconciler) event(cluster string, obj client.Object, eventType, reason, message string) {
	if obj == nil {
		return
	}
	recorder := r.EventRecorder
	if entry, ok := r.Clusters.Get(cluster); ok && entry.Recorder != nil {
		recorder = entry.Recorder
	}
	if recorder == nil {
		return
	}
	recorder.Event(obj, eventType, reason, message)
}

func sortedTargets(m map[replicator.Target]client.Object) []replicator.Target {
	targets := make([]replicator.Target, 0, len(m))
	for target := range m {
		targets = append(targets, target)
	}
	slices.SortFunc(targets, func(a, b replicator.Target) int {
		return strings.Compare(a.String(), b.String())
	})
	return targets
}
