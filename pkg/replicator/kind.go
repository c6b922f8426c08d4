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

package replicator

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Kind is one of the resource kinds that can be replicated
type Kind string

const (
	KindSecret    Kind = "Secret"
	KindConfigMap Kind = "ConfigMap"
)

// Kinds lists every replicated kind
var Kinds = []Kind{KindSecret, KindConfigMap}

// NewObject returns an empty object of the kind
func (k Kind) NewObject() client.Object {
	switch k {
	case KindSecret:
		return &corev1.Secret{}
	case KindConfigMap:
		return &corev1.ConfigMap{}
	}
	panic(fmt.Sprintf("unsupported kind %q", string(k)))
}

// NewList returns an empty list of the kind
func (k Kind) NewList() client.ObjectList {
	switch k {
	case KindSecret:
		return &corev1.SecretList{}
	case KindConfigMap:
		return &corev1.ConfigMapList{}
	}
	panic(fmt.Sprintf("unsupported kind %q", string(k)))
}

// Items returns the items of a list created by NewList
func (k Kind) Items(list client.ObjectList) []client.Object {
	var items []client.Object
	switch l := list.(type) {
	case *corev1.SecretList:
		for i := range l.Items {
			items = append(items, &l.Items[i])
		}
	case *corev1.ConfigMapList:
		for i := range l.Items {
			items = append(items, &l.Items[i])
		}
	}
	return items
}

// KindOf returns the kind of a replicable object
func KindOf(obj client.Object) (Kind, bool) {
	switch obj.(type) {
	case *corev1.Secret:
		return KindSecret, true
	case *corev1.ConfigMap:
		return KindConfigMap, true
	}
	return "", false
}

// copyPayload replaces the payload of dst with a deep copy of the payload of src.
// Both objects must be of the same kind.
func copyPayload(src, dst client.Object) error {
	switch s := src.(type) {
	case *corev1.Secret:
		d, ok := dst.(*corev1.Secret)
		if !ok {
			return fmt.Errorf("cannot copy Secret payload into %T", dst)
		}
		d.Type = s.Type
		d.StringData = nil
		d.Data = make(map[string][]byte, len(s.Data))
		for key, value := range s.Data {
			d.Data[key] = append([]byte(nil), value...)
		}
		return nil
	case *corev1.ConfigMap:
		d, ok := dst.(*corev1.ConfigMap)
		if !ok {
			return fmt.Errorf("cannot copy ConfigMap payload into %T", dst)
		}
		d.Data = nil
		if s.Data != nil {
			d.Data = make(map[string]string, len(s.Data))
			for key, value := range s.Data {
				d.Data[key] = value
			}
		}
		d.BinaryData = nil
		if s.BinaryData != nil {
			d.BinaryData = make(map[string][]byte, len(s.BinaryData))
			for key, value := range s.BinaryData {
				d.BinaryData[key] = append([]byte(nil), value...)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported object type %T", src)
}

// NeedsRecreate reports whether an existing replica cannot be updated in place
// to match the source. Secret types are immutable once created.
func NeedsRecreate(source, replica client.Object) bool {
	s, ok := source.(*corev1.Secret)
	if !ok {
		return false
	}
	r, ok := replica.(*corev1.Secret)
	if !ok {
		return false
	}
	return s.Type != r.Type && r.Type != ""
}
