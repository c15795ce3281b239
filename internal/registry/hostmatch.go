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
	"fmt"
	"strings"
)

// dockerHubAliases are the hostnames that all refer to the same backing
// registry. Per spec.md §9's Docker Hub open question we normalize to
// registry-1.docker.io for network operations while accepting any of the
// three in config patterns and dockerconfig keys.
var dockerHubAliases = map[string]bool{
	"docker.io":            true,
	"index.docker.io":      true,
	"registry-1.docker.io": true,
}

// NormalizeHost lowercases h and maps any Docker Hub alias to the
// canonical registry-1.docker.io form used for matching and network
// dialing.
func NormalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if dockerHubAliases[h] {
		return "registry-1.docker.io"
	}
	return h
}

// Entry is a single configured registry entry's hostname-pattern half —
// just enough for the matcher; the credential half lives in Credential.
type Entry struct {
	HostnamePattern string
	Credential      CredentialSpec
}

// Matcher resolves an image host to the single most specific configured
// Entry, per spec.md §4.1: exact host beats wildcard, and among wildcards
// the longer suffix wins. Equally specific wildcards are ambiguous and
// must fail config validation rather than resolve arbitrarily — Matcher
// assumes that validation already happened and panics-free returns no
// match instead of guessing if it somehow wasn't.
type Matcher struct {
	entries []Entry
}

// NewMatcher builds a Matcher from a validated set of entries. Validate
// should be called on entries first; NewMatcher does not re-check for
// ambiguous wildcards.
func NewMatcher(entries []Entry) *Matcher {
	return &Matcher{entries: entries}
}

// Match returns the Entry whose hostname-pattern matches host with the
// highest specificity, or ok=false if none match.
func (m *Matcher) Match(host string) (Entry, bool) {
	host = NormalizeHost(host)

	var best Entry
	bestScore := -1
	found, tie := false, false
	for _, e := range m.entries {
		score, ok := specificity(NormalizeHost(e.HostnamePattern), host)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore, found, tie = e, score, true, false
		} else if score == bestScore {
			tie = true
		}
	}
	if tie {
		return Entry{}, false
	}
	return best, found
}

// specificity scores how specifically pattern matches host. An exact
// match scores the highest possible value (len(host)+1, guaranteed to
// beat any wildcard score which is bounded by the suffix length). A
// wildcard match scores the length of its matched suffix. ok is false if
// pattern does not match host at all.
func specificity(pattern, host string) (int, bool) {
	if pattern == host {
		return len(host) + 1, true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return 0, false
	}
	if suffix == "" {
		return 0, false
	}
	if !strings.HasSuffix(host, "."+suffix) {
		return 0, false
	}
	// must have at least one non-empty label before the suffix.
	prefixLen := len(host) - len(suffix) - 1
	if prefixLen <= 0 {
		return 0, false
	}
	return len(suffix), true
}

// ValidatePatterns checks that no two hostname-patterns in entries are
// duplicates once normalized. Per spec.md §9's wildcard-tie open question,
// a tie between two wildcards is only possible when their suffixes are
// identical (a host can end with ".suffix-a" and ".suffix-b" of equal
// length only if suffix-a == suffix-b), so duplicate-pattern detection
// already covers every ambiguous case the single-leading-wildcard grammar
// can produce.
func ValidatePatterns(patterns []string) error {
	seen := make(map[string]string)
	for _, raw := range patterns {
		p := NormalizeHost(raw)
		if other, ok := seen[p]; ok {
			return fmt.Errorf("registry: duplicate hostname pattern %q (also written %q)", p, other)
		}
		seen[p] = raw
	}
	return nil
}
