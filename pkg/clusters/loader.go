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

package clusters

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/cluster"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/guided-traffic/resource-sync-operator/pkg/metrics"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

const (
	// DefaultConnectTimeout bounds the initial cache sync of a remote cluster
	DefaultConnectTimeout = 30 * time.Second

	// DefaultHealthCheckInterval is the period of the cluster health checks
	DefaultHealthCheckInterval = 30 * time.Second

	healthCheckTimeout = 10 * time.Second
)

// DefaultConnectBackoff spaces out connection attempts to a remote cluster
var DefaultConnectBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    1 << 30,
	Cap:      2 * time.Minute,
}

// Options describes the clusters to register at startup
type Options struct {
	// Kubeconfig is the path to the kubeconfig holding the remote contexts.
	// Empty uses the default loading rules ($KUBECONFIG, ~/.kube/config).
	Kubeconfig string

	// Local is the name of the cluster the manager runs against
	Local string

	// Remotes are kubeconfig context names; each becomes a cluster of the same name
	Remotes []string

	// RecorderName is the component name used for events
	RecorderName string

	// ConnectTimeout bounds each attempt to sync a remote cluster cache
	ConnectTimeout time.Duration

	// HealthCheckInterval is the period of the cluster health checks
	HealthCheckInterval time.Duration
}

// RESTConfigForContext builds a REST config for a kubeconfig context
func RESTConfigForContext(kubeconfig, contextName string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{
		CurrentContext: contextName,
	}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig context %q: %w", contextName, err)
	}
	return cfg, nil
}

// LocalRESTConfig prefers the in-cluster service account and falls back to the
// given kubeconfig context, or the current context when contextName is empty
func LocalRESTConfig(kubeconfig, contextName string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return RESTConfigForContext(kubeconfig, contextName)
}

// StaticRESTMapper maps the replicated kinds and Namespaces without asking the
// API server, so a cluster can be set up while it is unreachable
func StaticRESTMapper(_ *rest.Config, _ *http.Client) (meta.RESTMapper, error) {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{corev1.SchemeGroupVersion})
	for _, kind := range replicator.Kinds {
		mapper.Add(corev1.SchemeGroupVersion.WithKind(string(kind)), meta.RESTScopeNamespace)
	}
	mapper.Add(corev1.SchemeGroupVersion.WithKind("Namespace"), meta.RESTScopeRoot)
	return mapper, nil
}

// RegisterIndexes adds the provenance field index for every replicated kind
func RegisterIndexes(ctx context.Context, indexer client.FieldIndexer) error {
	for _, kind := range replicator.Kinds {
		if err := indexer.IndexField(ctx, kind.NewObject(), replicator.ProvenanceIndexKey, replicator.ProvenanceIndexValue); err != nil {
			return fmt.Errorf("failed to index %s provenance: %w", kind, err)
		}
	}
	return nil
}

func newDiscovery(cfg *rest.Config) (discovery.ServerVersionInterface, error) {
	cfg = rest.CopyConfig(cfg)
	cfg.Timeout = healthCheckTimeout
	return discovery.NewDiscoveryClientForConfig(cfg)
}

// Build registers the manager's own cluster under opts.Local and declares one
// cluster per remote context. Remote clusters are connected in the background
// by a Connector each, so an unreachable remote never blocks startup. A
// HealthChecker tracks the reachability of every ready cluster.
func Build(ctx context.Context, mgr manager.Manager, opts Options, log logr.Logger) (*Registry, error) {
	if err := RegisterIndexes(ctx, mgr.GetFieldIndexer()); err != nil {
		return nil, err
	}

	localDiscovery, err := newDiscovery(mgr.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client for cluster %q: %w", opts.Local, err)
	}

	registry, err := NewRegistry(Entry{
		Name:      opts.Local,
		Client:    mgr.GetClient(),
		Cluster:   mgr,
		Recorder:  mgr.GetEventRecorderFor(opts.RecorderName),
		Discovery: localDiscovery,
	})
	if err != nil {
		return nil, err
	}

	for _, name := range opts.Remotes {
		if err := registry.Declare(name); err != nil {
			return nil, err
		}
		connector := &Connector{
			Name: name,
			RESTConfig: func() (*rest.Config, error) {
				return RESTConfigForContext(opts.Kubeconfig, name)
			},
			Scheme:       mgr.GetScheme(),
			RecorderName: opts.RecorderName,
			Registry:     registry,
			SyncTimeout:  opts.ConnectTimeout,
			Log:          log,
		}
		if err := mgr.Add(connector); err != nil {
			return nil, fmt.Errorf("failed to add connector for cluster %q: %w", name, err)
		}
		log.Info("Declared remote cluster", "cluster", name)
	}

	if err := mgr.Add(&HealthChecker{Registry: registry, Interval: opts.HealthCheckInterval, Log: log}); err != nil {
		return nil, fmt.Errorf("failed to add cluster health checker: %w", err)
	}

	return registry, nil
}

// Connector connects one declared remote cluster. It retries with backoff
// until the cluster cache has synced, then engages the cluster in the
// registry and keeps the cache running until the context is done.
type Connector struct {
	Name string

	// RESTConfig is called on every attempt, so kubeconfig fixes are picked up
	RESTConfig func() (*rest.Config, error)

	Scheme       *runtime.Scheme
	RecorderName string
	Registry     *Registry

	// SyncTimeout bounds one attempt. Zero means DefaultConnectTimeout.
	SyncTimeout time.Duration

	// Backoff spaces attempts. The zero value means DefaultConnectBackoff.
	Backoff wait.Backoff

	Log logr.Logger
}

// NeedLeaderElection lets standby replicas warm their remote caches
func (c *Connector) NeedLeaderElection() bool {
	return false
}

// Start implements manager.Runnable
func (c *Connector) Start(ctx context.Context) error {
	log := c.Log.WithValues("cluster", c.Name)

	backoff := c.Backoff
	if backoff.Duration <= 0 {
		backoff = DefaultConnectBackoff
	}

	metrics.SetClusterUp(c.Name, false)

	for {
		entry, stop, err := c.connect(ctx)
		if err == nil {
			if err := c.Registry.Engage(entry); err != nil {
				log.Error(err, "failed to engage cluster")
			}
			metrics.SetClusterUp(c.Name, true)
			log.Info("Connected remote cluster")

			<-ctx.Done()
			stop()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Step()
		log.Error(err, "failed to connect remote cluster, will retry", "retryIn", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Connector) syncTimeout() time.Duration {
	if c.SyncTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.SyncTimeout
}

// connect creates the cluster, starts its cache and waits for the sync. The
// returned stop func shuts the cache down again.
func (c *Connector) connect(ctx context.Context) (Entry, func(), error) {
	cfg, err := c.RESTConfig()
	if err != nil {
		return Entry{}, nil, err
	}

	cl, err := cluster.New(cfg, func(o *cluster.Options) {
		o.Scheme = c.Scheme
		o.MapperProvider = StaticRESTMapper
	})
	if err != nil {
		return Entry{}, nil, fmt.Errorf("failed to create cluster %q: %w", c.Name, err)
	}
	if err := RegisterIndexes(ctx, cl.GetFieldIndexer()); err != nil {
		return Entry{}, nil, fmt.Errorf("cluster %q: %w", c.Name, err)
	}
	if _, err := cl.GetCache().GetInformer(ctx, &corev1.Namespace{}, cache.BlockUntilSynced(false)); err != nil {
		return Entry{}, nil, fmt.Errorf("cluster %q: failed to prepare namespace informer: %w", c.Name, err)
	}
	disc, err := newDiscovery(cfg)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("failed to create discovery client for cluster %q: %w", c.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cl.Start(runCtx); err != nil {
			c.Log.Error(err, "cluster cache stopped", "cluster", c.Name)
		}
	}()
	stop := func() {
		cancel()
		<-done
	}

	syncCtx, syncCancel := context.WithTimeout(ctx, c.syncTimeout())
	defer syncCancel()
	if !cl.GetCache().WaitForCacheSync(syncCtx) {
		stop()
		return Entry{}, nil, fmt.Errorf("cache of cluster %q did not sync within %s", c.Name, c.syncTimeout())
	}

	return Entry{
		Name:      c.Name,
		Client:    cl.GetClient(),
		Cluster:   cl,
		Recorder:  cl.GetEventRecorderFor(c.RecorderName),
		Discovery: disc,
	}, stop, nil
}

// HealthChecker asks every ready cluster for its server version and records
// the outcome in the registry and the cluster_up metric. Cache reads keep
// succeeding after an API server is gone.
type HealthChecker struct {
	Registry *Registry

	// Interval between checks. Zero means DefaultHealthCheckInterval.
	Interval time.Duration

	Log logr.Logger
}

// NeedLeaderElection keeps the metric current on standby replicas
func (h *HealthChecker) NeedLeaderElection() bool {
	return false
}

// Start implements manager.Runnable
func (h *HealthChecker) Start(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	wait.UntilWithContext(ctx, h.Check, interval)
	return nil
}

// Check checks every ready cluster once
func (h *HealthChecker) Check(_ context.Context) {
	for _, entry := range h.Registry.Entries() {
		var err error
		if entry.Discovery != nil {
			_, err = entry.Discovery.ServerVersion()
		}

		wasDown := h.Registry.Reachable(entry.Name) != nil
		h.Registry.SetReachable(entry.Name, err)
		metrics.SetClusterUp(entry.Name, err == nil)

		switch {
		case err != nil && !wasDown:
			h.Log.Error(err, "Cluster became unreachable", "cluster", entry.Name)
		case err == nil && wasDown:
			h.Log.Info("Cluster is reachable again", "cluster", entry.Name)
		}
	}
}
