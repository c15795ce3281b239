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

// Package config reads and validates kube-autorollout's single YAML
// configuration file (spec.md §6), the way the teacher's SysContext
// reads and validates its own yaml.v2-shaped configuration before the
// rest of the system trusts it.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/kube-autorollout/kube-autorollout/internal/registry"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// SecretSpec mirrors spec.md §3's RegistryEntry.secret-spec tagged union
// as decoded straight off YAML, before it is turned into a
// registry.CredentialSpec.
type SecretSpec struct {
	Type      string `yaml:"type"`
	Name      string `yaml:"name,omitempty"`
	Key       string `yaml:"key,omitempty"`
	MountPath string `yaml:"mountPath,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Username  string `yaml:"username,omitempty"`
}

// RegistryEntry is one entry of the config's registries[] list.
type RegistryEntry struct {
	HostnamePattern string     `yaml:"hostnamePattern"`
	Secret          SecretSpec `yaml:"secret"`
}

// Webserver holds the health-server bind configuration, spec.md §6.
type Webserver struct {
	Port int `yaml:"port"`
}

// TLS holds the registry client's trust-store augmentation, spec.md §4.3.
type TLS struct {
	CACertificatePaths []string `yaml:"caCertificatePaths,omitempty"`
}

// FeatureFlags toggles the two behavior switches spec.md names.
type FeatureFlags struct {
	EnableJfrogArtifactoryFallback bool `yaml:"enableJfrogArtifactoryFallback"`
	EnableKubectlAnnotation        bool `yaml:"enableKubectlAnnotation"`
}

// Config is the fully decoded and validated configuration file, C1.
type Config struct {
	CronSchedule string          `yaml:"cronSchedule"`
	Webserver    Webserver       `yaml:"webserver"`
	Registries   []RegistryEntry `yaml:"registries"`
	TLS          TLS             `yaml:"tls"`
	FeatureFlags FeatureFlags    `yaml:"featureFlags"`

	// Namespace is not part of the YAML document; it is read from
	// POD_NAMESPACE by Load, the same environment-derived field the
	// teacher's Starter and SysContext both carry.
	Namespace string `yaml:"-"`
}

// Load reads, interpolates and validates the configuration file at path.
// A non-nil error here is a ConfigInvalid failure and is fatal at
// startup, per spec.md §7.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	interpolated := interpolateEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("config: invalid yaml in %s: %w", path, err)
	}

	cfg.Namespace = os.Getenv("POD_NAMESPACE")
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("config: unbound POD_NAMESPACE variable")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// interpolateEnv replaces every ${VAR} occurrence in s with the value of
// the environment variable VAR, per spec.md §4.2. An unset variable
// interpolates to the empty string; nothing is logged for it.
func interpolateEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks every invariant spec.md §3/§6/§9 requires of a loaded
// Config, returning the first violation found wrapped as a ConfigInvalid
// failure.
func (c *Config) Validate() error {
	if c.CronSchedule == "" {
		return fmt.Errorf("config: cronSchedule is required")
	}
	if _, err := cronParser.Parse(c.CronSchedule); err != nil {
		return fmt.Errorf("config: invalid cronSchedule %q: %w", c.CronSchedule, err)
	}

	if c.Webserver.Port <= 0 || c.Webserver.Port > 65535 {
		return fmt.Errorf("config: webserver.port %d out of range", c.Webserver.Port)
	}

	patterns := make([]string, 0, len(c.Registries))
	for _, r := range c.Registries {
		if r.HostnamePattern == "" {
			return fmt.Errorf("config: registries[]: hostnamePattern is required")
		}
		patterns = append(patterns, r.HostnamePattern)
		if err := validateSecretSpec(r.Secret); err != nil {
			return fmt.Errorf("config: registries[%s]: %w", r.HostnamePattern, err)
		}
	}
	if err := registry.ValidatePatterns(patterns); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for _, p := range c.TLS.CACertificatePaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config: tls.caCertificatePaths: %s: %w", p, err)
		}
	}

	return nil
}

// validateSecretSpec enforces spec.md §9's "dynamic secret-type
// polymorphism" rule: each SecretSpec.Type carries its own required
// fields, and mismatched combinations are rejected rather than silently
// ignored.
func validateSecretSpec(s SecretSpec) error {
	switch s.Type {
	case "", "None":
		return nil
	case "ImagePullSecret":
		if s.MountPath == "" {
			return fmt.Errorf("secret.type=ImagePullSecret requires mountPath")
		}
		return nil
	case "Opaque":
		hasToken := s.Token != ""
		hasRef := s.Name != "" || s.Key != ""
		if hasToken && hasRef {
			return fmt.Errorf("secret.type=Opaque must set either token or name+key, not both")
		}
		if !hasToken && !hasRef {
			return fmt.Errorf("secret.type=Opaque requires token or name+key")
		}
		if hasRef && (s.Name == "" || s.Key == "") {
			return fmt.Errorf("secret.type=Opaque with name+key requires both")
		}
		return nil
	default:
		return fmt.Errorf("unknown secret.type %q", s.Type)
	}
}

// ToCredentialSpec converts a decoded SecretSpec into the
// registry.CredentialSpec the credential resolver consumes. Called only
// after Validate has already accepted s.
func (s SecretSpec) ToCredentialSpec() registry.CredentialSpec {
	switch s.Type {
	case "ImagePullSecret":
		return registry.CredentialSpec{Kind: registry.SecretImagePullSecret, MountPath: s.MountPath}
	case "Opaque":
		return registry.CredentialSpec{
			Kind:       registry.SecretOpaque,
			SecretName: s.Name,
			SecretKey:  s.Key,
			Username:   s.Username,
			Token:      s.Token,
		}
	default:
		return registry.CredentialSpec{Kind: registry.SecretNone}
	}
}

// RegistryEntries converts the decoded config entries into the
// registry.Entry slice the hostname Matcher is built from.
func (c *Config) RegistryEntries() []registry.Entry {
	out := make([]registry.Entry, 0, len(c.Registries))
	for _, r := range c.Registries {
		out = append(out, registry.Entry{
			HostnamePattern: r.HostnamePattern,
			Credential:      r.Secret.ToCredentialSpec(),
		})
	}
	return out
}
