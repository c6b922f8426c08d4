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
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/guided-traffic/resource-sync-operator/pkg/config"
)

// Version is set at build time
var Version = "dev"

// NewResourceSyncCommand returns the root command of the operator
func NewResourceSyncCommand() *cobra.Command {
	return newRootCommand(&Options{})
}

func newRootCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "resource-sync-operator",
		Short:        "Replicates Secrets and ConfigMaps across namespaces and clusters",
		SilenceUsage: true,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	o.AddPersistentFlags(cmd.PersistentFlags())
	cmd.AddCommand(NewRunCommand(o))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// Options holds the command line flags shared by all subcommands
type Options struct {
	ConfigPath   string
	Kubeconfig   string
	LocalContext string
	LocalCluster string
	Remotes      []string
	LogLevel     string
	Development  bool
}

// AddPersistentFlags registers the shared flags
func (o *Options) AddPersistentFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", config.DefaultConfigPath, "Path to the configuration file. A missing file means defaults.")
	fs.StringVar(&o.Kubeconfig, "kubeconfig", "", "Kubeconfig holding the cluster contexts. Overrides clusters.kubeconfig.")
	fs.StringVar(&o.LocalContext, "local-context", "", "Kubeconfig context of the local cluster when running outside a cluster. Defaults to the current context.")
	fs.StringVar(&o.LocalCluster, "local-cluster", config.DefaultLocalCluster, "Registry name of the local cluster. Overrides clusters.local.")
	fs.StringSliceVar(&o.Remotes, "remote-cluster", nil, "Kubeconfig context of a remote cluster, may be repeated. Overrides clusters.remotes.")
	fs.StringVar(&o.LogLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error). Overrides logging.level.")
	fs.BoolVar(&o.Development, "development", false, "Use the development logger. Overrides logging.development.")
}

// Complete loads the configuration file and applies the flags that were set
// explicitly on top of it
func (o *Options) Complete(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("kubeconfig") {
		cfg.Clusters.Kubeconfig = o.Kubeconfig
	}
	if fs.Changed("local-cluster") {
		cfg.Clusters.Local = o.LocalCluster
	}
	if fs.Changed("remote-cluster") {
		cfg.Clusters.Remotes = o.Remotes
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.LogLevel
	}
	if fs.Changed("development") {
		cfg.Logging.Development = o.Development
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the zap backed logger described by cfg
func NewLogger(cfg *config.Config) (logr.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return logr.Discard(), err
	}
	return zap.New(
		zap.UseDevMode(cfg.Logging.Development),
		zap.Level(level),
		zap.RawZapOpts(uberzap.AddCaller()),
	), nil
}

// NewVersionCommand prints the build version
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("resource-sync-operator version %s\n", Version)
		},
	}
}
