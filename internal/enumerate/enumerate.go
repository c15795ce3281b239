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

// Package enumerate lists labeled workloads (C5) and joins them with
// their running pods' container statuses, yielding the per-container
// tuples the reconciler compares against fresh registry digests.
package enumerate

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	aplist "k8s.io/client-go/listers/apps/v1"
	corlist "k8s.io/client-go/listers/core/v1"
	"k8s.io/klog/v2"

	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
)

// EnabledLabel is the opt-in label spec.md §4.4 requires before a
// workload is considered for reconciliation.
const EnabledLabel = "kube-autorollout/enabled"

// Kind distinguishes the three workload kinds kube-autorollout manages.
type Kind string

const (
	KindDeployment  Kind = "Deployment"
	KindStatefulSet Kind = "StatefulSet"
	KindDaemonSet   Kind = "DaemonSet"
)

// UnknownDigest marks a container whose running digest could not be
// determined because no ready pod currently backs the workload.
const UnknownDigest = "Unknown"

// ContainerRecord is one (workload, container) tuple, joined with its
// running digest.
type ContainerRecord struct {
	ContainerName   string
	Image           imageref.Reference
	ImagePullPolicy corev1.PullPolicy
	RunningDigest   string // "Unknown" if no ready pod was found
}

// Workload is one labeled Deployment/StatefulSet/DaemonSet, along with the
// per-container records the reconciler needs to produce a RolloutDecision.
type Workload struct {
	Kind            Kind
	Namespace       string
	Name            string
	UID             string
	Containers      []ContainerRecord
	PullSecretNames []string
}

// Lister groups the three workload listers the enumerator reads from,
// plus the pod lister used to join running container statuses.
type Lister struct {
	Deployments  aplist.DeploymentLister
	StatefulSets aplist.StatefulSetLister
	DaemonSets   aplist.DaemonSetLister
	Pods         corlist.PodLister
}

// Enumerator implements C5.
type Enumerator struct {
	lister    Lister
	namespace string
}

// New returns an Enumerator scoped to namespace.
func New(lister Lister, namespace string) *Enumerator {
	return &Enumerator{lister: lister, namespace: namespace}
}

// enabledSelector matches spec.md §4.4's opt-in label exactly.
var enabledSelector = labels.SelectorFromSet(labels.Set{EnabledLabel: "true"})

// Enumerate lists every labeled workload in the configured namespace and
// joins each with its running pods' container statuses.
func (e *Enumerator) Enumerate() ([]Workload, error) {
	var out []Workload

	deps, err := e.lister.Deployments.Deployments(e.namespace).List(enabledSelector)
	if err != nil {
		return nil, fmt.Errorf("enumerate: listing deployments: %w", err)
	}
	for _, d := range deps {
		w, err := e.joinWorkload(KindDeployment, d.Namespace, d.Name, string(d.UID),
			d.Spec.Template.Spec, d.Spec.Selector.MatchLabels)
		if err != nil {
			klog.Warningf("enumerate: deployment %s/%s: %s", d.Namespace, d.Name, err)
			continue
		}
		out = append(out, w)
	}

	stss, err := e.lister.StatefulSets.StatefulSets(e.namespace).List(enabledSelector)
	if err != nil {
		return nil, fmt.Errorf("enumerate: listing statefulsets: %w", err)
	}
	for _, s := range stss {
		w, err := e.joinWorkload(KindStatefulSet, s.Namespace, s.Name, string(s.UID),
			s.Spec.Template.Spec, s.Spec.Selector.MatchLabels)
		if err != nil {
			klog.Warningf("enumerate: statefulset %s/%s: %s", s.Namespace, s.Name, err)
			continue
		}
		out = append(out, w)
	}

	dss, err := e.lister.DaemonSets.DaemonSets(e.namespace).List(enabledSelector)
	if err != nil {
		return nil, fmt.Errorf("enumerate: listing daemonsets: %w", err)
	}
	for _, d := range dss {
		w, err := e.joinWorkload(KindDaemonSet, d.Namespace, d.Name, string(d.UID),
			d.Spec.Template.Spec, d.Spec.Selector.MatchLabels)
		if err != nil {
			klog.Warningf("enumerate: daemonset %s/%s: %s", d.Namespace, d.Name, err)
			continue
		}
		out = append(out, w)
	}

	return out, nil
}

// joinWorkload builds a Workload record from a pod template spec and its
// selector, resolving each container's running digest from the matching
// pods' containerStatuses, per spec.md §4.4.
func (e *Enumerator) joinWorkload(
	kind Kind, namespace, name, uid string, tmpl corev1.PodSpec, selector map[string]string,
) (Workload, error) {
	pods, err := e.lister.Pods.Pods(namespace).List(labels.SelectorFromSet(selector))
	if err != nil {
		return Workload{}, fmt.Errorf("listing pods: %w", err)
	}

	runningDigests := runningDigestsByContainer(pods)

	var pullSecrets []string
	for _, s := range tmpl.ImagePullSecrets {
		pullSecrets = append(pullSecrets, s.Name)
	}

	var records []ContainerRecord
	for _, c := range tmpl.Containers {
		ref, err := imageref.Parse(c.Image)
		if err != nil {
			klog.Warningf("enumerate: %s/%s container %s: invalid image reference %q: %s",
				namespace, name, c.Name, c.Image, err)
			continue
		}

		if c.ImagePullPolicy != corev1.PullAlways {
			klog.Warningf(
				"enumerate: %s/%s container %s has imagePullPolicy=%s; a restart may not pull the new digest",
				namespace, name, c.Name, c.ImagePullPolicy,
			)
		}

		digest, ok := runningDigests[c.Name]
		if !ok {
			digest = UnknownDigest
		}

		records = append(records, ContainerRecord{
			ContainerName:   c.Name,
			Image:           ref,
			ImagePullPolicy: c.ImagePullPolicy,
			RunningDigest:   digest,
		})
	}

	return Workload{
		Kind:            kind,
		Namespace:       namespace,
		Name:            name,
		UID:             uid,
		Containers:      records,
		PullSecretNames: pullSecrets,
	}, nil
}

// runningDigestsByContainer collects, per container name, the imageID
// reported by any Running-and-ready pod. When multiple pods disagree
// (a rollout already in progress), the first one observed wins — the
// next tick reconciles again once the rollout settles.
func runningDigestsByContainer(pods []*corev1.Pod) map[string]string {
	out := make(map[string]string)
	for _, p := range pods {
		if p.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, cs := range p.Status.ContainerStatuses {
			if !cs.Ready {
				continue
			}
			if _, ok := out[cs.Name]; ok {
				continue
			}
			if cs.ImageID == "" {
				continue
			}
			out[cs.Name] = digestFromImageID(cs.ImageID)
		}
	}
	return out
}

// digestFromImageID extracts the "sha256:…" suffix from a container
// status's imageID field, which is usually of the form
// "registry/repo@sha256:…" but on some runtimes is the bare digest.
func digestFromImageID(imageID string) string {
	if idx := strings.LastIndexByte(imageID, '@'); idx >= 0 {
		return imageID[idx+1:]
	}
	return imageID
}
