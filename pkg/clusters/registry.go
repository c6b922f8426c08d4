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
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/cluster"
)

var (
	// ErrUnknownCluster is returned for cluster names that are not configured
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrClusterNotReady is returned for configured clusters whose cache has not synced yet
	ErrClusterNotReady = errors.New("cluster not connected yet")

	// ErrClusterUnreachable is returned for connected clusters that failed their last health check
	ErrClusterUnreachable = errors.New("cluster unreachable")
)

// Entry is a registered cluster
type Entry struct {
	// Name is the name used in the clusters and source-cluster annotations
	Name string

	// Client reads from the cluster cache and writes to the API server
	Client client.Client

	// Cluster provides the cache that is watched. May be nil when the
	// entry is only used for reads and writes.
	Cluster cluster.Cluster

	// Recorder emits events into this cluster. May be nil.
	Recorder record.EventRecorder

	// Discovery is called by the HealthChecker. May be nil, the cluster then always counts as reachable.
	Discovery discovery.ServerVersionInterface
}

// EngageFunc is called for every cluster that becomes ready after startup
type EngageFunc func(Entry) error

// Registry maps cluster names to API clients. Remote clusters are declared at
// startup and engaged once their cache has synced; a cluster is never removed.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	pending     map[string]struct{}
	unreachable map[string]error
	hooks       []EngageFunc
}

// NewRegistry builds a registry from the given ready entries
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries:     make(map[string]Entry, len(entries)),
		pending:     make(map[string]struct{}),
		unreachable: make(map[string]error),
	}

	for _, e := range entries {
		if err := r.add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if e.Client == nil {
		return fmt.Errorf("cluster %q has no client", e.Name)
	}
	if _, dup := r.entries[e.Name]; dup {
		return fmt.Errorf("cluster %q registered twice", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Declare marks a cluster as configured but not connected yet
func (r *Registry) Declare(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("cluster %q registered twice", name)
	}
	if _, dup := r.pending[name]; dup {
		return fmt.Errorf("cluster %q registered twice", name)
	}
	r.pending[name] = struct{}{}
	return nil
}

// Engage makes a declared cluster ready and runs the engage hooks
func (r *Registry) Engage(e Entry) error {
	r.mu.Lock()
	if _, ok := r.pending[e.Name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q was not declared", ErrUnknownCluster, e.Name)
	}
	if err := r.add(e); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.pending, e.Name)
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(e); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Subscribe registers fn for clusters engaged later and returns the entries
// that are ready now. No entry is missed or reported twice.
func (r *Registry) Subscribe(fn EngageFunc) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
	return r.sortedEntries()
}

// Get returns the entry of a ready cluster
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Client returns the client of a ready cluster
func (r *Registry) Client(name string) (client.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.Client, nil
	}
	if _, ok := r.pending[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrClusterNotReady, name)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCluster, name)
}

// SetReachable records the result of a health check. A nil err marks the
// cluster reachable.
func (r *Registry) SetReachable(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.unreachable, name)
		return
	}
	r.unreachable[name] = err
}

// Reachable returns nil when the last health check of a ready cluster succeeded
func (r *Registry) Reachable(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err, ok := r.unreachable[name]; ok {
		return fmt.Errorf("%w: %q: %v", ErrClusterUnreachable, name, err)
	}
	return nil
}

// Names returns the sorted names of all ready clusters
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Pending returns the sorted names of declared clusters that are not ready yet
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entries returns all ready entries sorted by name
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedEntries()
}

func (r *Registry) sortedEntries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
