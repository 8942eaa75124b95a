package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acmewat.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, "domains:\n  - example.com\n")
	run, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if run.KeySizeBits != 4096 {
		t.Errorf("key_size_bits = %d, want default 4096", run.KeySizeBits)
	}
	if run.ChallengeType != "http-01" {
		t.Errorf("challenge_type = %q, want default http-01", run.ChallengeType)
	}
	if run.Dialect != "acme2-boulder" {
		t.Errorf("dialect = %q, want default acme2-boulder", run.Dialect)
	}
}

func TestLoadRejectsEmptyDomains(t *testing.T) {
	path := writeConfig(t, "directory_url: https://ca.example/directory\n")
	if _, err := Load(path); err == nil {
		t.Errorf("expected an error when domains is empty")
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := writeConfig(t, "domains:\n  - example.com\nkey_size_bits: 2048\naccept_terms: true\n")
	run, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if run.KeySizeBits != 2048 {
		t.Errorf("key_size_bits = %d, want 2048", run.KeySizeBits)
	}
	if !run.AcceptTerms {
		t.Errorf("accept_terms should be true")
	}
}
