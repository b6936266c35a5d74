package v3

import (
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ProjectIDAnnotation is the well-known annotation placed on Namespaces by
// the upstream cluster manager. Its value is "<project-namespace>:<project-name>"
// and associates the Namespace with its owning Project.
const ProjectIDAnnotation = "field.cattle.io/projectId"

// ProjectSpec mirrors the fields of the upstream Project spec we may need to
// log. The propagator only acts on Project metadata labels; the spec content
// is carried along untouched.
type ProjectSpec struct {
	// +optional
	DisplayName string `json:"displayName,omitempty"`
	// +optional
	Description string `json:"description,omitempty"`
	// +optional
	ClusterName string `json:"clusterName,omitempty"`
}

// +kubebuilder:object:root=true

// Project is the upstream cluster-manager resource that groups Namespaces.
// Labels on a Project carrying the propagation prefix are copied down to the
// member Namespaces.
type Project struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ProjectSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ProjectList contains a list of Project.
type ProjectList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Project `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Project{}, &ProjectList{})
}

// ProjectID identifies a Project inside the upstream cluster.
type ProjectID struct {
	// Namespace is the upstream namespace holding the Project object. For
	// a managed downstream cluster this equals the cluster ID.
	Namespace string
	// Name is the Project object name.
	Name string
}

func (id ProjectID) String() string {
	return id.Namespace + ":" + id.Name
}

// ParseProjectID parses the value of the ProjectIDAnnotation. The annotation
// does not include the cluster name, so both halves must be non-empty for the
// association to be usable.
func ParseProjectID(annotation string) (ProjectID, error) {
	ns, name, found := strings.Cut(annotation, ":")
	if !found || ns == "" || name == "" {
		return ProjectID{}, fmt.Errorf("malformed project id %q, want <project-namespace>:<project-name>", annotation)
	}

	return ProjectID{Namespace: ns, Name: name}, nil
}

// ProjectIDOf resolves the owning Project of a Namespace from its
// annotations. The second return value is false when the Namespace carries no
// resolvable association, in which case it must be left untouched.
func ProjectIDOf(obj metav1.Object) (ProjectID, bool) {
	annotation, ok := obj.GetAnnotations()[ProjectIDAnnotation]
	if !ok {
		return ProjectID{}, false
	}

	id, err := ParseProjectID(annotation)
	if err != nil {
		return ProjectID{}, false
	}

	return id, true
}
