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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default path to the configuration file
	DefaultConfigPath = "/etc/resource-sync-operator/config.yaml"

	// DefaultLocalCluster is the name of the cluster the operator runs in
	DefaultLocalCluster = "local"

	// DefaultMaxConcurrentReconciles is the default number of reconcile workers
	DefaultMaxConcurrentReconciles = 4

	// DefaultBaseDelay is the first retry delay of a failing source
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the retry delay of a failing source
	DefaultMaxDelay = 5 * time.Minute

	// DefaultUnknownClusterRequeue is the recheck interval for sources naming unregistered clusters
	DefaultUnknownClusterRequeue = 5 * time.Minute

	// DefaultConnectTimeout bounds the initial cache sync of a remote cluster
	DefaultConnectTimeout = 30 * time.Second

	// DefaultHealthCheckInterval is the interval of the cluster health checks
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultLogLevel is the default log level
	DefaultLogLevel = "info"
)

// Config holds the operator configuration
type Config struct {
	Clusters   ClustersConfig   `yaml:"clusters"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Namespaces NamespacesConfig `yaml:"namespaces"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ClustersConfig lists the clusters to replicate between
type ClustersConfig struct {
	// Kubeconfig holds the contexts of the remote clusters
	Kubeconfig string `yaml:"kubeconfig"`

	// Local is the registry name of the cluster the operator runs in
	Local string `yaml:"local"`

	// Remotes are kubeconfig context names, registered under the same name
	Remotes []string `yaml:"remotes"`

	// ConnectTimeout bounds each connection attempt to a remote cluster
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	// HealthCheckInterval is the interval of the cluster health checks
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
}

// ReconcileConfig holds the work queue settings
type ReconcileConfig struct {
	MaxConcurrentReconciles int           `yaml:"maxConcurrentReconciles"`
	BaseDelay               time.Duration `yaml:"baseDelay"`
	MaxDelay                time.Duration `yaml:"maxDelay"`
	UnknownClusterRequeue   time.Duration `yaml:"unknownClusterRequeue"`
}

// NamespacesConfig controls target namespace handling
type NamespacesConfig struct {
	// CreateMissing creates target namespaces that do not exist yet
	CreateMissing *bool `yaml:"createMissing"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// NewDefaultConfig creates a Config with default values
func NewDefaultConfig() *Config {
	createMissing := true
	return &Config{
		Clusters: ClustersConfig{
			Local:               DefaultLocalCluster,
			ConnectTimeout:      DefaultConnectTimeout,
			HealthCheckInterval: DefaultHealthCheckInterval,
		},
		Reconcile: ReconcileConfig{
			MaxConcurrentReconciles: DefaultMaxConcurrentReconciles,
			BaseDelay:               DefaultBaseDelay,
			MaxDelay:                DefaultMaxDelay,
			UnknownClusterRequeue:   DefaultUnknownClusterRequeue,
		},
		Namespaces: NamespacesConfig{
			CreateMissing: &createMissing,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file does not exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()

	// Clean the path to prevent directory traversal
	cleanPath := filepath.Clean(path)

	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.Clusters.Local == "" {
		c.Clusters.Local = DefaultLocalCluster
	}
	if c.Clusters.ConnectTimeout == 0 {
		c.Clusters.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Clusters.HealthCheckInterval == 0 {
		c.Clusters.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Reconcile.MaxConcurrentReconciles == 0 {
		c.Reconcile.MaxConcurrentReconciles = DefaultMaxConcurrentReconciles
	}
	if c.Reconcile.BaseDelay == 0 {
		c.Reconcile.BaseDelay = DefaultBaseDelay
	}
	if c.Reconcile.MaxDelay == 0 {
		c.Reconcile.MaxDelay = DefaultMaxDelay
	}
	if c.Reconcile.UnknownClusterRequeue == 0 {
		c.Reconcile.UnknownClusterRequeue = DefaultUnknownClusterRequeue
	}
	if c.Namespaces.CreateMissing == nil {
		createMissing := true
		c.Namespaces.CreateMissing = &createMissing
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Clusters.Local == "" {
		return fmt.Errorf("clusters.local must not be empty")
	}

	seen := map[string]bool{c.Clusters.Local: true}
	for _, name := range c.Clusters.Remotes {
		if name == "" {
			return fmt.Errorf("clusters.remotes must not contain empty names")
		}
		if seen[name] {
			return fmt.Errorf("cluster %q is configured more than once", name)
		}
		seen[name] = true
	}
	if c.Clusters.ConnectTimeout <= 0 {
		return fmt.Errorf("clusters.connectTimeout must be positive")
	}
	if c.Clusters.HealthCheckInterval <= 0 {
		return fmt.Errorf("clusters.healthCheckInterval must be positive")
	}

	if c.Reconcile.MaxConcurrentReconciles <= 0 {
		return fmt.Errorf("reconcile.maxConcurrentReconciles must be positive, got %d", c.Reconcile.MaxConcurrentReconciles)
	}
	if c.Reconcile.BaseDelay <= 0 || c.Reconcile.MaxDelay <= 0 {
		return fmt.Errorf("reconcile delays must be positive")
	}
	if c.Reconcile.BaseDelay > c.Reconcile.MaxDelay {
		return fmt.Errorf("reconcile.baseDelay (%s) must not exceed reconcile.maxDelay (%s)", c.Reconcile.BaseDelay, c.Reconcile.MaxDelay)
	}
	if c.Reconcile.UnknownClusterRequeue <= 0 {
		return fmt.Errorf("reconcile.unknownClusterRequeue must be positive")
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}

	return nil
}

// CreateMissingNamespaces reports whether missing target namespaces are created
func (c *Config) CreateMissingNamespaces() bool {
	return c.Namespaces.CreateMissing == nil || *c.Namespaces.CreateMissing
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return level, fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	return level, nil
}
