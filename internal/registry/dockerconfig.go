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

package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// dockerConfigJSON mirrors the shape of a docker config.json / a
// kubernetes.io/dockerconfigjson secret payload. We keep our own minimal
// struct here, the same way the teacher's dockerAuthConfig type does,
// rather than depend on a full docker config library for two fields.
type dockerConfigJSON struct {
	Auths map[string]dockerConfigEntry `json:"auths"`
}

type dockerConfigEntry struct {
	Auth     string `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// DockerConfigAuth is the parsed, per-host form of a .dockerconfigjson
// file: a mapping from normalized registry host to the credentials
// recorded for it.
type DockerConfigAuth map[string]BasicCredential

// BasicCredential is a resolved username/password pair.
type BasicCredential struct {
	Username string
	Password string
}

// ParseDockerConfigJSON decodes raw .dockerconfigjson bytes into a
// DockerConfigAuth, normalizing every host key per spec.md §3 (stripping
// scheme, trailing "/", path component, and mapping Docker Hub aliases to
// registry-1.docker.io).
func ParseDockerConfigJSON(raw []byte) (DockerConfigAuth, error) {
	var cfg dockerConfigJSON
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("registry: invalid dockerconfigjson: %w", err)
	}

	out := make(DockerConfigAuth, len(cfg.Auths))
	for rawHost, entry := range cfg.Auths {
		user, pass := entry.Username, entry.Password
		if entry.Auth != "" {
			decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
			if err != nil {
				return nil, fmt.Errorf("registry: invalid auth field for %q: %w", rawHost, err)
			}
			u, p, ok := strings.Cut(string(decoded), ":")
			if !ok {
				return nil, fmt.Errorf("registry: malformed auth field for %q", rawHost)
			}
			user, pass = u, p
		}
		out[normalizeConfigHost(rawHost)] = BasicCredential{Username: user, Password: pass}
	}
	return out, nil
}

// Lookup returns the credential recorded for host, looked up under its
// normalized form (so callers never need to pre-normalize).
func (d DockerConfigAuth) Lookup(host string) (BasicCredential, bool) {
	c, ok := d[NormalizeHost(host)]
	return c, ok
}

// normalizeConfigHost applies the same stripping rules .dockerconfigjson
// keys need: drop a leading scheme, a trailing slash, and any path
// component, then hand off to NormalizeHost for the Docker Hub aliasing.
func normalizeConfigHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	if idx := strings.Index(h, "/"); idx >= 0 {
		h = h[:idx]
	}
	h = strings.TrimSuffix(h, "/")
	return NormalizeHost(h)
}
