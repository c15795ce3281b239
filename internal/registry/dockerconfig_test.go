package registry

import "testing"

func TestParseDockerConfigJSONAuthField(t *testing.T) {
	raw := []byte(`{"auths":{"https://index.docker.io/v1/":{"auth":"YWxpY2U6c2VjcmV0"}}}`)
	cfg, err := ParseDockerConfigJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cred, ok := cfg.Lookup("docker.io")
	if !ok {
		t.Fatalf("expected docker.io alias to resolve")
	}
	if cred.Username != "alice" || cred.Password != "secret" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestParseDockerConfigJSONExplicitFields(t *testing.T) {
	raw := []byte(`{"auths":{"ghcr.io":{"username":"bob","password":"tok"}}}`)
	cfg, err := ParseDockerConfigJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cred, ok := cfg.Lookup("ghcr.io")
	if !ok || cred.Username != "bob" || cred.Password != "tok" {
		t.Fatalf("unexpected credential: %+v ok=%v", cred, ok)
	}
}

func TestParseDockerConfigJSONInvalid(t *testing.T) {
	if _, err := ParseDockerConfigJSON([]byte("not json")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}
