// Package event records Kubernetes events with fluxcd severities.
package event

import (
	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	kuberecorder "k8s.io/client-go/tools/record"
)

// New emits an event for obj. Severity is one of the fluxcd event severities
// and maps to the corresponding core event type.
func New(recorder kuberecorder.EventRecorder, obj runtime.Object, severity, reason, messageFmt string, args ...any) {
	eventType := corev1.EventTypeNormal
	if severity == eventv1.EventSeverityError {
		eventType = corev1.EventTypeWarning
	}

	recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}
