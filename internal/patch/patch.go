// Copyright 2024 The kube-autorollout Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package patch applies the single-annotation strategic-merge patch that
// triggers a rollout (C8). Unlike the teacher's Deployment.Sync, which
// reads the whole object and calls Update, this package builds a scoped
// patch body touching only spec.template.metadata.annotations — the
// spec's invariant that a rollout patch never rewrites any other field
// rules out a read-modify-write Update.
package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	corecli "k8s.io/client-go/kubernetes"

	"github.com/kube-autorollout/kube-autorollout/internal/enumerate"
)

// KubectlAnnotationKey matches the annotation `kubectl rollout restart`
// itself sets, for operators who also drive restarts manually.
const KubectlAnnotationKey = "kubectl.kubernetes.io/restartedAt"

// DefaultAnnotationKey is used unless featureFlags.enableKubectlAnnotation
// is set, per spec.md §4.7.
const DefaultAnnotationKey = "kube-autorollout/restartedAt"

// annotationPatch is the minimal strategic-merge patch body: only the
// pod template's annotations map is present, so no other field of the
// target object is touched.
type annotationPatch struct {
	Spec podTemplateSpec `json:"spec"`
}

type podTemplateSpec struct {
	Template podTemplate `json:"template"`
}

type podTemplate struct {
	Metadata podTemplateMetadata `json:"metadata"`
}

type podTemplateMetadata struct {
	Annotations map[string]string `json:"annotations"`
}

// Engine applies rollout-triggering patches to workloads.
type Engine struct {
	client        corecli.Interface
	annotationKey string
	now           func() time.Time
}

// New returns an Engine. useKubectlAnnotation mirrors
// featureFlags.enableKubectlAnnotation from config.
func New(client corecli.Interface, useKubectlAnnotation bool) *Engine {
	key := DefaultAnnotationKey
	if useKubectlAnnotation {
		key = KubectlAnnotationKey
	}
	return &Engine{client: client, annotationKey: key, now: time.Now}
}

// Apply patches the workload identified by kind/namespace/name, setting
// the restart annotation to the current RFC 3339 (seconds resolution)
// timestamp, per spec.md §4.7.
func (e *Engine) Apply(ctx context.Context, kind enumerate.Kind, namespace, name string) error {
	body, err := json.Marshal(annotationPatch{
		Spec: podTemplateSpec{
			Template: podTemplate{
				Metadata: podTemplateMetadata{
					Annotations: map[string]string{
						e.annotationKey: e.now().UTC().Format(time.RFC3339),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("patch: marshaling patch body: %w", err)
	}

	opts := metav1.PatchOptions{}
	switch kind {
	case enumerate.KindDeployment:
		_, err = e.client.AppsV1().Deployments(namespace).
			Patch(ctx, name, types.StrategicMergePatchType, body, opts)
	case enumerate.KindStatefulSet:
		_, err = e.client.AppsV1().StatefulSets(namespace).
			Patch(ctx, name, types.StrategicMergePatchType, body, opts)
	case enumerate.KindDaemonSet:
		_, err = e.client.AppsV1().DaemonSets(namespace).
			Patch(ctx, name, types.StrategicMergePatchType, body, opts)
	default:
		return fmt.Errorf("patch: unknown workload kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("patch: %s/%s: %w", namespace, name, err)
	}
	return nil
}
