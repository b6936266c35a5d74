// Package v3 contains a read-only mirror of the management.cattle.io/v3
// Project API type. The propagator consumes Projects, it never creates,
// mutates or owns them.
// +kubebuilder:object:generate=true
// +groupName=management.cattle.io
package v3

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects.
	GroupVersion = schema.GroupVersion{Group: "management.cattle.io", Version: "v3"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)
