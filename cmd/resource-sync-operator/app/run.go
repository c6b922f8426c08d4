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

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/guided-traffic/resource-sync-operator/internal/controller"
	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
	"github.com/guided-traffic/resource-sync-operator/pkg/config"
	"github.com/guided-traffic/resource-sync-operator/pkg/namespaces"
)

const (
	componentName    = "resource-sync-operator"
	leaderElectionID = "resource-sync-operator.rso.gtrfc.com"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// RunOptions holds the flags of the run command
type RunOptions struct {
	*Options

	MetricsBindAddress     string
	HealthProbeBindAddress string
	LeaderElect            bool
}

// NewRunCommand starts the operator
func NewRunCommand(so *Options) *cobra.Command {
	o := &RunOptions{Options: so}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.Complete(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg)
			if err != nil {
				return err
			}
			ctrl.SetLogger(log)

			return o.Run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.MetricsBindAddress, "metrics-bind-address", ":8080", "Address the metrics endpoint binds to. Use 0 to disable.")
	fs.StringVar(&o.HealthProbeBindAddress, "health-probe-bind-address", ":8081", "Address the health probe endpoint binds to.")
	fs.BoolVar(&o.LeaderElect, "leader-elect", false, "Enable leader election so only one replica reconciles at a time.")

	return cmd
}

// Run builds the manager and the cluster registry and blocks until ctx is done
func (o *RunOptions) Run(ctx context.Context, cfg *config.Config) error {
	log := ctrl.Log.WithName("setup")

	restCfg, err := clusters.LocalRESTConfig(cfg.Clusters.Kubeconfig, o.LocalContext)
	if err != nil {
		return err
	}

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: o.MetricsBindAddress},
		HealthProbeBindAddress: o.HealthProbeBindAddress,
		LeaderElection:         o.LeaderElect,
		LeaderElectionID:       leaderElectionID,
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}

	registry, err := clusters.Build(ctx, mgr, clusters.Options{
		Kubeconfig:          cfg.Clusters.Kubeconfig,
		Local:               cfg.Clusters.Local,
		Remotes:             cfg.Clusters.Remotes,
		RecorderName:        componentName,
		ConnectTimeout:      cfg.Clusters.ConnectTimeout,
		HealthCheckInterval: cfg.Clusters.HealthCheckInterval,
	}, log)
	if err != nil {
		return err
	}

	reconciler := &controller.ReplicationReconciler{
		Clusters:      registry,
		Namespaces:    namespaces.NewManager(registry, cfg.CreateMissingNamespaces()),
		Config:        cfg,
		EventRecorder: mgr.GetEventRecorderFor(componentName),
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	log.Info("Starting manager", "version", Version, "clusters", registry.Names(),
		"workers", cfg.Reconcile.MaxConcurrentReconciles, "createMissingNamespaces", cfg.CreateMissingNamespaces())
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}
