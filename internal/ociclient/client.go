// Package ociclient issues manifest HEAD requests against OCI-conformant
// registries, resolving an image reference to the canonical digest the
// registry reports for it (spec.md §4.3). It hand-rolls the HTTP-level
// bearer-challenge exchange and JFrog Artifactory path-method fallback
// rather than go through a higher-level image library, because neither
// exposes a hook for the Artifactory rewrite — see DESIGN.md.
package ociclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
	"github.com/kube-autorollout/kube-autorollout/internal/registry"
)

// acceptedManifestTypes lists the OCI and legacy Docker manifest media
// types we ask registries to consider, per spec.md §4.3 step 2.
var acceptedManifestTypes = strings.Join([]string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}, ", ")

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Client resolves image digests over HTTPS.
type Client struct {
	httpClient    *http.Client
	jfrogFallback bool
}

// New returns a Client. httpClient carries the TLS roots and any timeouts
// the caller wants; jfrogFallback mirrors
// featureFlags.enableJfrogArtifactoryFallback from config.
func New(httpClient *http.Client, jfrogFallback bool) *Client {
	return &Client{httpClient: httpClient, jfrogFallback: jfrogFallback}
}

// NewHTTPClient builds the *http.Client kube-autorollout shares across all
// registry queries in a tick: the system trust store plus any PEM files
// listed under tls.caCertificatePaths.
func NewHTTPClient(caCertPaths []string, timeout time.Duration) (*http.Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, p := range caCertPaths {
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("ociclient: reading CA certificate %s: %w", p, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ociclient: no certificates found in %s", p)
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

// ResolveDigest fetches the canonical digest for ref from its registry,
// per the protocol in spec.md §4.3.
func (c *Client) ResolveDigest(
	ctx context.Context, ref imageref.Reference, auth registry.AuthMaterial,
) (digest.Digest, error) {
	host := registry.NormalizeHost(ref.Host)
	url := manifestURL(host, ref.Repository, ref.Tag)

	resp, err := c.headManifest(ctx, url, auth)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		if ch, ok := parseBearerChallenge(resp.Header.Get("WWW-Authenticate")); ok {
			resp2, err := c.retryWithChallenge(ctx, url, auth, ch)
			if err != nil {
				return "", err
			}
			defer drain(resp2)
			resp = resp2
		}
	}

	if c.jfrogFallback && looksLikeArtifactory(host) &&
		(resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized) {
		fallbackURL, ok := artifactoryFallbackURL(host, ref.Repository, ref.Tag)
		if ok {
			resp3, err := c.headManifest(ctx, fallbackURL, auth)
			if err == nil {
				defer drain(resp3)
				if resp3.StatusCode == http.StatusOK {
					resp = resp3
				}
			}
		}
	}

	return digestFromResponse(resp)
}

// headManifest issues a single HEAD request against url with the given
// auth applied, per spec.md §4.3 step 2.
func (c *Client) headManifest(ctx context.Context, url string, auth registry.AuthMaterial) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, permanentf("building request: %w", err)
	}
	req.Header.Set("Accept", acceptedManifestTypes)
	applyAuth(req, auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientf("querying %s: %w", url, err)
	}
	return resp, nil
}

// retryWithChallenge exchanges credentials at the challenge's realm and
// retries the manifest HEAD with the resulting bearer token, per
// spec.md §4.3 step 3.
func (c *Client) retryWithChallenge(
	ctx context.Context, manifestURL string, auth registry.AuthMaterial, ch challenge,
) (*http.Response, error) {
	token, err := c.exchangeToken(ctx, ch, auth)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return nil, permanentf("building request: %w", err)
	}
	req.Header.Set("Accept", acceptedManifestTypes)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientf("querying %s: %w", manifestURL, err)
	}
	return resp, nil
}

// exchangeToken performs the token-endpoint GET described in spec.md
// §4.3 step 3, choosing how to present the caller's AuthMaterial as
// described there.
func (c *Client) exchangeToken(ctx context.Context, ch challenge, auth registry.AuthMaterial) (string, error) {
	url := ch.Realm
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	if ch.Service != "" {
		url += sep + "service=" + ch.Service
		sep = "&"
	}
	if ch.Scope != "" {
		url += sep + "scope=" + ch.Scope
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", permanentf("building token request: %w", err)
	}

	switch auth.Kind {
	case registry.Basic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case registry.Bearer:
		req.SetBasicAuth(auth.Username, auth.Token)
	case registry.Anonymous:
		// anonymous token exchange, no Authorization header.
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transientf("exchanging token at %s: %w", ch.Realm, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", permanentf("token endpoint %s returned %d", ch.Realm, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transientf("reading token response: %w", err)
	}

	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", protocolf("decoding token response: %w", err)
	}
	if parsed.Token != "" {
		return parsed.Token, nil
	}
	if parsed.AccessToken != "" {
		return parsed.AccessToken, nil
	}
	return "", protocolf("token response carries neither token nor access_token")
}

// applyAuth sets the Authorization header on req for the initial manifest
// request, per spec.md §4.3 step 2.
func applyAuth(req *http.Request, auth registry.AuthMaterial) {
	switch auth.Kind {
	case registry.Basic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case registry.Bearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case registry.Anonymous:
	}
}

// digestFromResponse validates the final HTTP response and extracts the
// Docker-Content-Digest header, per spec.md §4.3 step 4.
func digestFromResponse(resp *http.Response) (digest.Digest, error) {
	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode >= 500:
		return "", transientf("manifest request returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return "", permanentf("authentication rejected (401)")
	default:
		return "", permanentf("manifest request returned %d", resp.StatusCode)
	}

	raw := resp.Header.Get("Docker-Content-Digest")
	if raw == "" {
		return "", protocolf("response carries no Docker-Content-Digest header")
	}
	if !digestPattern.MatchString(raw) {
		return "", protocolf("invalid digest format %q", raw)
	}
	d, err := digest.Parse(raw)
	if err != nil {
		return "", protocolf("invalid digest %q: %w", raw, err)
	}
	return d, nil
}

// manifestURL builds the canonical manifest endpoint, spec.md §4.3 step 1.
func manifestURL(host, repository, tag string) string {
	return fmt.Sprintf("https://%s/v2/%s/manifests/%s", host, repository, tag)
}

// looksLikeArtifactory applies the heuristic spec.md §4.3's JFrog fallback
// gates on: a host that self-identifies as a JFrog Artifactory deployment.
func looksLikeArtifactory(host string) bool {
	h := strings.ToLower(host)
	return strings.Contains(h, "jfrog") || strings.Contains(h, "artifactory")
}

// artifactoryFallbackURL builds the repository-path-method URL described
// in spec.md §4.3 step 5: the first repository segment is treated as the
// Artifactory repo key and moved ahead of "/v2/".
func artifactoryFallbackURL(host, repository, tag string) (string, bool) {
	repoKey, remainder, ok := strings.Cut(repository, "/")
	if !ok || repoKey == "" || remainder == "" {
		return "", false
	}
	return fmt.Sprintf("https://%s/artifactory/%s/v2/%s/manifests/%s", host, repoKey, remainder, tag), true
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Digest is re-exported so callers outside this package don't need to
// import opencontainers/go-digest directly just to name the type.
type Digest = digest.Digest
