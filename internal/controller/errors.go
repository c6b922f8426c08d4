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
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/guided-traffic/resource-sync-operator/pkg/clusters"
	"github.com/guided-traffic/resource-sync-operator/pkg/namespaces"
	"github.com/guided-traffic/resource-sync-operator/pkg/replicator"
)

// errorClass decides how a failed target is retried
type errorClass string

const (
	// classTransient failures are returned so the work queue retries with backoff
	classTransient errorClass = "transient"

	// classPermanent failures need a human; they are reported and not retried
	classPermanent errorClass = "permanent"

	// classUnknownCluster failures are rechecked after a fixed delay
	classUnknownCluster errorClass = "unknown_cluster"
)

func classify(err error) errorClass {
	switch {
	case errors.Is(err, clusters.ErrUnknownCluster):
		return classUnknownCluster
	case errors.Is(err, clusters.ErrClusterNotReady),
		errors.Is(err, clusters.ErrClusterUnreachable),
		errors.Is(err, namespaces.ErrNamespaceTerminating):
		return classTransient
	case errors.Is(err, namespaces.ErrNamespaceMissing),
		errors.Is(err, replicator.ErrNotOwned),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsMethodNotSupported(err):
		return classPermanent
	default:
		return classTransient
	}
}

// targetError is the failure of a single target
type targetError struct {
	target replicator.Target
	err    error
}

func (e targetError) Error() string {
	return e.target.String() + ": " + e.err.Error()
}

func (e targetError) Unwrap() error {
	return e.err
}
