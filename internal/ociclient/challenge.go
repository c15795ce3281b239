package ociclient

import "strings"

// challenge is a parsed "WWW-Authenticate: Bearer realm=…,service=…,scope=…"
// header, per the distribution spec's bearer-token authentication flow.
type challenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseBearerChallenge extracts realm/service/scope from a WWW-Authenticate
// header value. Returns ok=false if the header isn't a Bearer challenge.
func parseBearerChallenge(header string) (challenge, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, false
	}

	var c challenge
	for _, pair := range splitChallengeParams(header[len(prefix):]) {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}
	if c.Realm == "" {
		return challenge{}, false
	}
	return c, true
}

// splitChallengeParams splits a comma-separated list of key="value" pairs,
// respecting commas embedded inside quoted values (scopes can legitimately
// contain commas when multiple resources are requested).
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
				continue
			}
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	return parts
}
