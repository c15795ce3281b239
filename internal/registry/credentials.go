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

// Package registry resolves per-image authentication material from a mix
// of configured registry entries and pod-attached image-pull secrets
// (spec.md §4.2), and matches an image's host to the most specific
// configured registry entry (spec.md §4.1).
package registry

import (
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	corelister "k8s.io/client-go/listers/core/v1"

	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
)

// SecretKind tags the union of ways a RegistryEntry can carry credentials.
type SecretKind string

const (
	SecretNone            SecretKind = "None"
	SecretImagePullSecret SecretKind = "ImagePullSecret"
	SecretOpaque          SecretKind = "Opaque"
)

// CredentialSpec is a RegistryEntry's secret-spec, spec.md §3. Exactly one
// shape of fields should be populated depending on Kind; NewResolver's
// caller is expected to have validated this already (see internal/config).
type CredentialSpec struct {
	Kind SecretKind

	// ImagePullSecret
	MountPath string

	// Opaque
	SecretName string
	SecretKey  string
	Username   string
	Token      string
}

// AuthKind enumerates the three AuthMaterial shapes from spec.md §3.
type AuthKind int

const (
	Anonymous AuthKind = iota
	Basic
	Bearer
)

// AuthMaterial is the resolved credential passed to the registry client.
// For Bearer materials produced from an Opaque username+token pair,
// Username is preserved so the registry client can fall back to a Basic
// exchange at the token endpoint if the registry's challenge flow calls
// for it (spec.md §4.3 step 3).
type AuthMaterial struct {
	Kind     AuthKind
	Username string
	Password string
	Token    string
}

// SecretGetter reads a single key out of a Kubernetes Secret of type
// kubernetes.io/dockerconfigjson or an opaque key reference, narrowed to
// what the credential resolver needs.
type SecretGetter interface {
	GetSecret(namespace, name string) (*corev1.Secret, error)
}

// listerSecretGetter adapts a client-go SecretLister to SecretGetter.
type listerSecretGetter struct {
	lister corelister.SecretLister
}

func (l listerSecretGetter) GetSecret(namespace, name string) (*corev1.Secret, error) {
	return l.lister.Secrets(namespace).Get(name)
}

// NewSecretGetter wraps a SecretLister, the same lister-backed access
// pattern the teacher's SysContext uses for reading secrets out of the
// informer cache instead of hitting the apiserver directly.
func NewSecretGetter(lister corelister.SecretLister) SecretGetter {
	return listerSecretGetter{lister: lister}
}

// Resolver implements spec.md §4.2's credential resolution order.
type Resolver struct {
	matcher   *Matcher
	secrets   SecretGetter
	readMount func(path string) ([]byte, error)
}

// NewResolver builds a Resolver. secrets may be nil if the caller never
// intends to exercise the pod-pull-secret fallback path (e.g. unit tests
// exercising only the RegistryEntry path).
func NewResolver(matcher *Matcher, secrets SecretGetter) *Resolver {
	return &Resolver{
		matcher:   matcher,
		secrets:   secrets,
		readMount: os.ReadFile,
	}
}

// Resolve produces an AuthMaterial for ref per spec.md §4.2:
//  1. a matched RegistryEntry, if any;
//  2. otherwise, the workload's own pull-secret names, provided
//     canReadSecrets is true;
//  3. otherwise Anonymous.
func (r *Resolver) Resolve(
	ref imageref.Reference,
	namespace string,
	podPullSecrets []string,
	canReadSecrets bool,
) (AuthMaterial, error) {
	if entry, ok := r.matcher.Match(ref.Host); ok {
		return r.fromCredentialSpec(namespace, ref.Host, entry.Credential)
	}

	if canReadSecrets {
		mat, ok, err := r.fromPodPullSecrets(namespace, ref.Host, podPullSecrets)
		if err != nil {
			return AuthMaterial{}, err
		}
		if ok {
			return mat, nil
		}
	}

	return AuthMaterial{Kind: Anonymous}, nil
}

// fromCredentialSpec implements step 1 of spec.md §4.2.
func (r *Resolver) fromCredentialSpec(namespace, host string, spec CredentialSpec) (AuthMaterial, error) {
	switch spec.Kind {
	case SecretNone, "":
		return AuthMaterial{Kind: Anonymous}, nil

	case SecretOpaque:
		token := spec.Token
		if token == "" {
			if spec.SecretName == "" || spec.SecretKey == "" {
				return AuthMaterial{}, fmt.Errorf("registry: opaque credential has neither token nor name+key")
			}
			sec, err := r.secrets.GetSecret(namespace, spec.SecretName)
			if err != nil {
				return AuthMaterial{}, fmt.Errorf("registry: reading secret %s/%s: %w", namespace, spec.SecretName, err)
			}
			val, ok := sec.Data[spec.SecretKey]
			if !ok {
				return AuthMaterial{}, fmt.Errorf("registry: secret %s/%s has no key %q", namespace, spec.SecretName, spec.SecretKey)
			}
			token = string(val)
		}
		return AuthMaterial{Kind: Bearer, Username: spec.Username, Token: token}, nil

	case SecretImagePullSecret:
		raw, err := r.readMount(spec.MountPath)
		if err != nil {
			return AuthMaterial{}, fmt.Errorf("registry: reading dockerconfigjson at %s: %w", spec.MountPath, err)
		}
		cfg, err := ParseDockerConfigJSON(raw)
		if err != nil {
			return AuthMaterial{}, err
		}
		cred, ok := cfg.Lookup(host)
		if !ok {
			return AuthMaterial{Kind: Anonymous}, nil
		}
		return AuthMaterial{Kind: Basic, Username: cred.Username, Password: cred.Password}, nil

	default:
		return AuthMaterial{}, fmt.Errorf("registry: unknown secret kind %q", spec.Kind)
	}
}

// fromPodPullSecrets implements step 2 of spec.md §4.2: read each of the
// pod's image-pull secrets in order and return the first whose normalized
// host matches ref.
func (r *Resolver) fromPodPullSecrets(
	namespace, host string, names []string,
) (AuthMaterial, bool, error) {
	if r.secrets == nil {
		return AuthMaterial{}, false, nil
	}
	for _, name := range names {
		sec, err := r.secrets.GetSecret(namespace, name)
		if err != nil {
			continue
		}
		raw, ok := sec.Data[corev1.DockerConfigJsonKey]
		if !ok {
			continue
		}
		cfg, err := ParseDockerConfigJSON(raw)
		if err != nil {
			continue
		}
		if cred, ok := cfg.Lookup(host); ok {
			return AuthMaterial{Kind: Basic, Username: cred.Username, Password: cred.Password}, true, nil
		}
	}
	return AuthMaterial{}, false, nil
}
