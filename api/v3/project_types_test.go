package v3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestParseProjectID(t *testing.T) {
	tests := []struct {
		name       string
		annotation string
		expected   ProjectID
		wantErr    bool
	}{
		{
			name:       "well formed",
			annotation: "c-123:p1",
			expected:   ProjectID{Namespace: "c-123", Name: "p1"},
		},
		{
			name:       "missing separator",
			annotation: "p1",
			wantErr:    true,
		},
		{
			name:       "empty namespace half",
			annotation: ":p1",
			wantErr:    true,
		},
		{
			name:       "empty name half",
			annotation: "c-123:",
			wantErr:    true,
		},
		{
			name:       "empty annotation",
			annotation: "",
			wantErr:    true,
		},
		{
			name:       "extra separator stays in the name",
			annotation: "c-123:p1:extra",
			expected:   ProjectID{Namespace: "c-123", Name: "p1:extra"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseProjectID(tc.annotation)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, id)
		})
	}
}

func TestProjectIDString(t *testing.T) {
	assert.Equal(t, "c-123:p1", ProjectID{Namespace: "c-123", Name: "p1"}.String())
}

func TestProjectIDOf(t *testing.T) {
	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "ns1",
			Annotations: map[string]string{ProjectIDAnnotation: "c-123:p1"},
		},
	}

	id, ok := ProjectIDOf(namespace)
	assert.True(t, ok)
	assert.Equal(t, ProjectID{Namespace: "c-123", Name: "p1"}, id)

	bare := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns2"}}
	_, ok = ProjectIDOf(bare)
	assert.False(t, ok)

	malformed := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "ns3",
			Annotations: map[string]string{ProjectIDAnnotation: "just-a-name"},
		},
	}
	_, ok = ProjectIDOf(malformed)
	assert.False(t, ok)
}
