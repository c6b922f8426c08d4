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
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
	"github.com/guided-traffic/resource-sync-operator/pkg/config"
	"github.com/guided-traffic/resource-sync-operator/pkg/namespaces"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

// fakeCluster describes one cluster of a test registry
type fakeCluster struct {
	name  string
	objs  []client.Object
	funcs *interceptor.Funcs
}

type testEnv struct {
	reconciler *ReplicationReconciler
	clients    map[string]client.Client
	recorder   *record.FakeRecorder
}

func newScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	return scheme
}

func newClusterClient(objs []client.Object, funcs *interceptor.Funcs) client.Client {
	b := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(objs...)
	for _, kind := range replicator.Kinds {
		b = b.WithIndex(kind.NewObject(), replicator.ProvenanceIndexKey, replicator.ProvenanceIndexValue)
	}
	if funcs != nil {
		b = b.WithInterceptorFuncs(*funcs)
	}
	return b.Build()
}

func newTestEnv(t *testing.T, createMissing bool, fakeClusters ...fakeCluster) *testEnv {
	t.Helper()

	clients := make(map[string]client.Client, len(fakeClusters))
	entries := make([]clusters.Entry, 0, len(fakeClusters))
	for _, fc := range fakeClusters {
		c := newClusterClient(fc.objs, fc.funcs)
		clients[fc.name] = c
		entries = append(entries, clusters.Entry{Name: fc.name, Client: c})
	}

	registry, err := clusters.NewRegistry(entries...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.Namespaces.CreateMissing = &createMissing

	recorder := record.NewFakeRecorder(100)
	return &testEnv{
		reconciler: &ReplicationReconciler{
			Clusters:      registry,
			Namespaces:    namespaces.NewManager(registry, createMissing),
			Config:        cfg,
			EventRecorder: recorder,
		},
		clients:  clients,
		recorder: recorder,
	}
}

func (e *testEnv) reconcile(t *testing.T, key replicator.SourceKey) (ctrl.Result, error) {
	t.Helper()
	return e.reconciler.Reconcile(context.Background(), key)
}

// events drains the recorded events
func (e *testEnv) events() []string {
	var events []string
	for {
		select {
		case ev := <-e.recorder.Events:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func hasEvent(events []string, reason string) bool {
	for _, ev := range events {
		if strings.Contains(ev, " "+reason+" ") {
			return true
		}
	}
	return false
}

func isReplica(obj client.Object) bool {
	_, ok := replicator.ReadProvenance(obj)
	return ok
}

func namespace(name string, lbls map[string]string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: lbls}}
}

func sourceSecret(ns, name string, lbls, annotations map[string]string, data map[string]string) *corev1.Secret {
	s := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Labels:      lbls,
			Annotations: annotations,
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{},
	}
	for k, v := range data {
		s.Data[k] = []byte(v)
	}
	return s
}

func getSecret(t *testing.T, c client.Client, ns, name string) (*corev1.Secret, bool) {
	t.Helper()
	s := &corev1.Secret{}
	if err := c.Get(context.Background(), types.NamespacedName{Namespace: ns, Name: name}, s); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return nil, false
		}
		t.Fatalf("failed to get Secret %s/%s: %v", ns, name, err)
	}
	return s, true
}

func updateObject(t *testing.T, c client.Client, obj client.Object, mutate func(client.Object)) {
	t.Helper()
	if err := c.Get(context.Background(), client.ObjectKeyFromObject(obj), obj); err != nil {
		t.Fatalf("failed to get %s: %v", obj.GetName(), err)
	}
	mutate(obj)
	if err := c.Update(context.Background(), obj); err != nil {
		t.Fatalf("failed to update %s: %v", obj.GetName(), err)
	}
}

// writeCounter counts the write calls that reach a fake client
type writeCounter struct {
	creates, updates, deletes, patches int
}

func (w *writeCounter) total() int {
	return w.creates + w.updates + w.deletes + w.patches
}

func (w *writeCounter) reset() {
	*w = writeCounter{}
}

func (w *writeCounter) funcs() *interceptor.Funcs {
	return &interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			w.creates++
			return c.Create(ctx, obj, opts...)
		},
		Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
			w.updates++
			return c.Update(ctx, obj, opts...)
		},
		Delete: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
			w.deletes++
			return c.Delete(ctx, obj, opts...)
		},
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			w.patches++
			return c.Patch(ctx, obj, patch, opts...)
		},
	}
}
