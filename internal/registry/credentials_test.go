package registry

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
	"testing"
)

type fakeSecretGetter struct {
	secrets map[string]*corev1.Secret
}

func (f fakeSecretGetter) GetSecret(namespace, name string) (*corev1.Secret, error) {
	s, ok := f.secrets[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return s, nil
}

func TestResolveOpaqueToken(t *testing.T) {
	m := NewMatcher([]Entry{{
		HostnamePattern: "ghcr.io",
		Credential:      CredentialSpec{Kind: SecretOpaque, Username: "alice", Token: "PAT"},
	}})
	r := NewResolver(m, nil)

	ref, _ := imageref.Parse("ghcr.io/org/img:latest")
	mat, err := r.Resolve(ref, "ns", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mat.Kind != Bearer || mat.Token != "PAT" || mat.Username != "alice" {
		t.Fatalf("unexpected material: %+v", mat)
	}
}

func TestResolveOpaqueSecretRef(t *testing.T) {
	getter := fakeSecretGetter{secrets: map[string]*corev1.Secret{
		"ns/creds": {Data: map[string][]byte{"token": []byte("SEKRIT")}},
	}}
	m := NewMatcher([]Entry{{
		HostnamePattern: "registry.internal",
		Credential:      CredentialSpec{Kind: SecretOpaque, SecretName: "creds", SecretKey: "token"},
	}})
	r := NewResolver(m, getter)

	ref, _ := imageref.Parse("registry.internal/app:v1")
	mat, err := r.Resolve(ref, "ns", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mat.Kind != Bearer || mat.Token != "SEKRIT" {
		t.Fatalf("unexpected material: %+v", mat)
	}
}

func TestResolveFallsBackToPodPullSecrets(t *testing.T) {
	dcj := []byte(`{"auths":{"ghcr.io":{"username":"bob","password":"tok"}}}`)
	getter := fakeSecretGetter{secrets: map[string]*corev1.Secret{
		"ns/pull-secret": {
			Type: corev1.SecretTypeDockerConfigJson,
			Data: map[string][]byte{corev1.DockerConfigJsonKey: dcj},
		},
	}}
	r := NewResolver(NewMatcher(nil), getter)

	ref, _ := imageref.Parse("ghcr.io/org/img:latest")
	mat, err := r.Resolve(ref, "ns", []string{"pull-secret"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mat.Kind != Basic || mat.Username != "bob" || mat.Password != "tok" {
		t.Fatalf("unexpected material: %+v", mat)
	}
}

func TestResolveAnonymousWhenNoMatch(t *testing.T) {
	r := NewResolver(NewMatcher(nil), nil)
	ref, _ := imageref.Parse("example.com/app:v1")
	mat, err := r.Resolve(ref, "ns", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mat.Kind != Anonymous {
		t.Fatalf("expected anonymous, got %+v", mat)
	}
}
