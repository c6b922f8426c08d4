//go:build integration
// +build integration

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

package integration

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/guided-traffic/resource-sync-operator/pkg/metrics"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

func replicaData(c client.Client, namespace, name string) func() (map[string][]byte, error) {
	return func() (map[string][]byte, error) {
		var secret corev1.Secret
		if err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret); err != nil {
			return nil, err
		}
		return secret.Data, nil
	}
}

func secretGone(c client.Client, namespace, name string) func() bool {
	return func() bool {
		err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &corev1.Secret{})
		return apierrors.IsNotFound(err)
	}
}

var _ = Describe("Secret replication", func() {
	var (
		sourceNs string
		source   *corev1.Secret
	)

	BeforeEach(func() {
		sourceNs = createNamespace(eastClient, nil)
	})

	Context("with a namespace list", func() {
		var targetA, targetB string

		BeforeEach(func() {
			targetA = createNamespace(eastClient, nil)
			targetB = createNamespace(eastClient, nil)

			source = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "db-credentials",
					Namespace: sourceNs,
					Labels:    map[string]string{replicator.LabelSync: replicator.SyncModeNamespace},
					Annotations: map[string]string{
						replicator.AnnotationNamespacesNames: targetA + "," + targetB,
					},
				},
				Data: map[string][]byte{"password": []byte("s3cret")},
			}
			Expect(eastClient.Create(ctx, source)).To(Succeed())
		})

		It("should replicate into every listed namespace with provenance", func() {
			for _, ns := range []string{targetA, targetB} {
				Eventually(replicaData(eastClient, ns, source.Name), timeout, interval).
					Should(HaveKeyWithValue("password", []byte("s3cret")))
			}

			var replica corev1.Secret
			Expect(eastClient.Get(ctx, types.NamespacedName{Namespace: targetA, Name: source.Name}, &replica)).To(Succeed())
			Expect(replica.Annotations).To(HaveKeyWithValue(replicator.AnnotationSourceCluster, "east"))
			Expect(replica.Annotations).To(HaveKeyWithValue(replicator.AnnotationSourceNamespace, sourceNs))
			Expect(replica.Annotations).NotTo(HaveKey(replicator.AnnotationNamespacesNames))
			Expect(replica.Labels).NotTo(HaveKey(replicator.LabelSync))
		})

		It("should propagate source updates", func() {
			Eventually(replicaData(eastClient, targetA, source.Name), timeout, interval).Should(HaveKey("password"))

			By("updating the source")
			Expect(eastClient.Get(ctx, client.ObjectKeyFromObject(source), source)).To(Succeed())
			source.Data["password"] = []byte("rotated")
			Expect(eastClient.Update(ctx, source)).To(Succeed())

			for _, ns := range []string{targetA, targetB} {
				Eventually(replicaData(eastClient, ns, source.Name), timeout, interval).
					Should(HaveKeyWithValue("password", []byte("rotated")))
			}
		})

		It("should recreate a deleted replica", func() {
			Eventually(replicaData(eastClient, targetA, source.Name), timeout, interval).Should(HaveKey("password"))

			By("deleting the replica")
			replica := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: targetA, Name: source.Name}}
			Expect(eastClient.Delete(ctx, replica)).To(Succeed())

			Eventually(replicaData(eastClient, targetA, source.Name), timeout, interval).
				Should(HaveKeyWithValue("password", []byte("s3cret")))
		})

		It("should remove replicas from namespaces dropped from the list", func() {
			Eventually(replicaData(eastClient, targetB, source.Name), timeout, interval).Should(HaveKey("password"))

			By("shrinking the namespace list")
			Expect(eastClient.Get(ctx, client.ObjectKeyFromObject(source), source)).To(Succeed())
			source.Annotations[replicator.AnnotationNamespacesNames] = targetA
			Expect(eastClient.Update(ctx, source)).To(Succeed())

			Eventually(secretGone(eastClient, targetB, source.Name), timeout, interval).Should(BeTrue())
			Consistently(replicaData(eastClient, targetA, source.Name), 2*time.Second, interval).Should(HaveKey("password"))
		})

		It("should remove all replicas when the source is deleted", func() {
			Eventually(replicaData(eastClient, targetA, source.Name), timeout, interval).Should(HaveKey("password"))
			Eventually(replicaData(eastClient, targetB, source.Name), timeout, interval).Should(HaveKey("password"))

			By("deleting the source")
			Expect(eastClient.Delete(ctx, source)).To(Succeed())

			Eventually(secretGone(eastClient, targetA, source.Name), timeout, interval).Should(BeTrue())
			Eventually(secretGone(eastClient, targetB, source.Name), timeout, interval).Should(BeTrue())
		})
	})

	Context("with a namespace label selector", func() {
		var selectorValue string

		BeforeEach(func() {
			selectorValue = uniqueName("team")
			source = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "registry-auth",
					Namespace: sourceNs,
					Labels:    map[string]string{replicator.LabelSync: replicator.SyncModeNamespace},
					Annotations: map[string]string{
						replicator.AnnotationNamespaceLabel: "team=" + selectorValue,
					},
				},
				Data: map[string][]byte{"token": []byte("abc")},
			}
			Expect(eastClient.Create(ctx, source)).To(Succeed())
		})

		It("should follow namespaces as they gain and lose the label", func() {
			By("creating a matching namespace after the source")
			target := createNamespace(eastClient, map[string]string{"team": selectorValue})
			Eventually(replicaData(eastClient, target, source.Name), timeout, interval).
				Should(HaveKeyWithValue("token", []byte("abc")))

			By("relabeling the namespace")
			var ns corev1.Namespace
			Expect(eastClient.Get(ctx, types.NamespacedName{Name: target}, &ns)).To(Succeed())
			ns.Labels["team"] = "other"
			Expect(eastClient.Update(ctx, &ns)).To(Succeed())

			Eventually(secretGone(eastClient, target, source.Name), timeout, interval).Should(BeTrue())
		})

		It("should not touch an unmanaged secret of the same name", func() {
			target := uniqueName("ns")
			Expect(eastClient.Create(ctx, &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: target}})).To(Succeed())

			foreign := &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: source.Name, Namespace: target},
				Data:       map[string][]byte{"token": []byte("mine")},
			}
			Expect(eastClient.Create(ctx, foreign)).To(Succeed())

			By("labeling the namespace so it is selected")
			var ns corev1.Namespace
			Expect(eastClient.Get(ctx, types.NamespacedName{Name: target}, &ns)).To(Succeed())
			ns.Labels = map[string]string{"team": selectorValue}
			Expect(eastClient.Update(ctx, &ns)).To(Succeed())

			Consistently(replicaData(eastClient, target, source.Name), 3*time.Second, interval).
				Should(HaveKeyWithValue("token", []byte("mine")))
		})
	})

	Context("across clusters", func() {
		BeforeEach(func() {
			source = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "tls-bundle",
					Namespace: sourceNs,
					Labels:    map[string]string{replicator.LabelSync: replicator.SyncModeCluster},
					Annotations: map[string]string{
						replicator.AnnotationClusters: "west",
					},
				},
				Data: map[string][]byte{"ca.crt": []byte("pem")},
			}
			Expect(eastClient.Create(ctx, source)).To(Succeed())
		})

		It("should create the namespace and the replica on the remote cluster", func() {
			Eventually(replicaData(westClient, sourceNs, source.Name), timeout, interval).
				Should(HaveKeyWithValue("ca.crt", []byte("pem")))

			var ns corev1.Namespace
			Expect(westClient.Get(ctx, types.NamespacedName{Name: sourceNs}, &ns)).To(Succeed())
		})

		It("should remove the remote replica when replication is switched off", func() {
			Eventually(replicaData(westClient, sourceNs, source.Name), timeout, interval).Should(HaveKey("ca.crt"))

			By("removing the sync label")
			Expect(eastClient.Get(ctx, client.ObjectKeyFromObject(source), source)).To(Succeed())
			delete(source.Labels, replicator.LabelSync)
			Expect(eastClient.Update(ctx, source)).To(Succeed())

			Eventually(secretGone(westClient, sourceNs, source.Name), timeout, interval).Should(BeTrue())
		})
	})
})

var _ = Describe("Unreachable remote cluster", func() {
	It("should keep replicating locally and to reachable clusters", func() {
		Expect(registry.Pending()).To(ContainElement("north"))
		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.ClusterUp.WithLabelValues("north"))
		}, timeout, interval).Should(BeZero())

		sourceNs := createNamespace(eastClient, nil)
		target := createNamespace(eastClient, nil)

		local := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:        "local-creds",
				Namespace:   sourceNs,
				Labels:      map[string]string{replicator.LabelSync: replicator.SyncModeNamespace},
				Annotations: map[string]string{replicator.AnnotationNamespacesNames: target},
			},
			Data: map[string][]byte{"token": []byte("abc")},
		}
		Expect(eastClient.Create(ctx, local)).To(Succeed())

		remote := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:        "shared-creds",
				Namespace:   sourceNs,
				Labels:      map[string]string{replicator.LabelSync: replicator.SyncModeCluster},
				Annotations: map[string]string{replicator.AnnotationClusters: "west,north"},
			},
			Data: map[string][]byte{"token": []byte("xyz")},
		}
		Expect(eastClient.Create(ctx, remote)).To(Succeed())

		Eventually(replicaData(eastClient, target, local.Name), timeout, interval).
			Should(HaveKeyWithValue("token", []byte("abc")))
		Eventually(replicaData(westClient, sourceNs, remote.Name), timeout, interval).
			Should(HaveKeyWithValue("token", []byte("xyz")))

		Expect(testutil.ToFloat64(metrics.ClusterUp.WithLabelValues("west"))).To(Equal(1.0))
	})
})

var _ = Describe("ConfigMap replication", func() {
	It("should replicate a ConfigMap into the listed namespace", func() {
		sourceNs := createNamespace(eastClient, nil)
		target := createNamespace(eastClient, nil)

		source := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "app-settings",
				Namespace: sourceNs,
				Labels:    map[string]string{replicator.LabelSync: replicator.SyncModeNamespace},
				Annotations: map[string]string{
					replicator.AnnotationNamespacesNames: target,
				},
			},
			Data: map[string]string{"mode": "production"},
		}
		Expect(eastClient.Create(ctx, source)).To(Succeed())

		Eventually(func() (map[string]string, error) {
			var cm corev1.ConfigMap
			if err := eastClient.Get(ctx, types.NamespacedName{Namespace: target, Name: source.Name}, &cm); err != nil {
				return nil, err
			}
			return cm.Data, nil
		}, timeout, interval).Should(HaveKeyWithValue("mode", "production"))
	})
})
