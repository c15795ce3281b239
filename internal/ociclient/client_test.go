package ociclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
	"github.com/kube-autorollout/kube-autorollout/internal/registry"
)

// clientDialingAlways returns an *http.Client that ignores whatever host
// a request names and always dials addr over TLS without verifying the
// server certificate — lets tests use arbitrary-looking hostnames (to
// exercise host-based heuristics like looksLikeArtifactory) while still
// landing on a local httptest server.
func clientDialingAlways(addr string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func TestResolveDigestSuccess(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Fatalf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Docker-Content-Digest", "sha256:"+strings.Repeat("a", 64))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), false)
	ref := imageref.Reference{Host: "registry.example.com", Repository: "library/nginx", Tag: "latest"}
	d, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "sha256:"+strings.Repeat("a", 64) {
		t.Fatalf("unexpected digest: %s", d)
	}
}

func TestResolveDigestInvalidDigestFormat(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", "not-a-digest")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), false)
	ref := imageref.Reference{Host: "registry.example.com", Repository: "library/nginx", Tag: "latest"}
	_, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	e, ok := err.(*Error)
	if !ok || e.Kind != KindProtocol {
		t.Fatalf("expected KindProtocol, got %v", err)
	}
}

func TestResolveDigestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), false)
	ref := imageref.Reference{Host: "registry.example.com", Repository: "library/nginx", Tag: "latest"}
	_, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	e, ok := err.(*Error)
	if !ok || e.Kind != KindTransient {
		t.Fatalf("expected KindTransient, got %v", err)
	}
}

func TestResolveDigestPermanentOn404(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), false)
	ref := imageref.Reference{Host: "registry.example.com", Repository: "library/nginx", Tag: "latest"}
	_, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	e, ok := err.(*Error)
	if !ok || e.Kind != KindPermanent {
		t.Fatalf("expected KindPermanent, got %v", err)
	}
}

// TestResolveDigestBearerChallenge exercises scenario 5 from spec.md §8:
// a GHCR-shaped bearer challenge exchanged with Basic(username, token)
// at the realm, then a retried HEAD with the returned bearer token.
func TestResolveDigestBearerChallenge(t *testing.T) {
	var realmURL string
	tokenSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "PAT" {
			t.Fatalf("expected basic auth alice/PAT at token endpoint, got ok=%v user=%s pass=%s", ok, user, pass)
		}
		if got := r.URL.Query().Get("service"); got != "ghcr.io" {
			t.Fatalf("unexpected service param: %s", got)
		}
		w.Write([]byte(`{"token":"XYZ"}`))
	}))
	defer tokenSrv.Close()
	realmURL = tokenSrv.URL

	manifestSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer XYZ" {
			w.Header().Set("Docker-Content-Digest", "sha256:"+strings.Repeat("b", 64))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate",
			`Bearer realm="`+realmURL+`",service="ghcr.io",scope="repository:org/img:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer manifestSrv.Close()

	// the challenge exchange dials realmURL directly (a real URL, unlike
	// the synthetic manifest host), so only the manifest HEAD needs the
	// dial override; give the client a transport that trusts both
	// self-signed certs by skipping verification for both targets.
	client := &http.Client{Transport: &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == "ghcr.io:443" {
				addr = manifestSrv.Listener.Addr().String()
			}
			d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
			return d.DialContext(ctx, network, addr)
		},
	}}

	c := New(client, false)
	ref := imageref.Reference{Host: "ghcr.io", Repository: "org/img", Tag: "latest"}
	d, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{
		Kind: registry.Bearer, Username: "alice", Token: "PAT",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "sha256:"+strings.Repeat("b", 64) {
		t.Fatalf("unexpected digest: %s", d)
	}
}

// TestResolveDigestJfrogFallback exercises scenario 6 from spec.md §8.
func TestResolveDigestJfrogFallback(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/artifactory/docker-local/v2/myimg/manifests/nightly") {
			w.Header().Set("Docker-Content-Digest", "sha256:"+strings.Repeat("c", 64))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), true)
	ref := imageref.Reference{
		Host:       "artifactory.example.com",
		Repository: "docker-local/myimg",
		Tag:        "nightly",
	}
	d, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "sha256:"+strings.Repeat("c", 64) {
		t.Fatalf("unexpected digest: %s", d)
	}
}

func TestResolveDigestJfrogFallbackDisabledByDefault(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(clientDialingAlways(srv.Listener.Addr().String()), false)
	ref := imageref.Reference{Host: "artifactory.example.com", Repository: "docker-local/myimg", Tag: "nightly"}
	_, err := c.ResolveDigest(context.Background(), ref, registry.AuthMaterial{Kind: registry.Anonymous})
	e, ok := err.(*Error)
	if !ok || e.Kind != KindPermanent {
		t.Fatalf("expected KindPermanent with fallback disabled, got %v", err)
	}
}

func TestLooksLikeArtifactory(t *testing.T) {
	cases := map[string]bool{
		"artifactory.example.com": true,
		"my-jfrog.example.com":    true,
		"ghcr.io":                 false,
	}
	for host, want := range cases {
		if got := looksLikeArtifactory(host); got != want {
			t.Errorf("looksLikeArtifactory(%q) = %v, want %v", host, got, want)
		}
	}
}
