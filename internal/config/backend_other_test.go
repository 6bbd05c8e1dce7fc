//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lectern", "config.json")
	b := &fileBackend{path: path, data: map[string]any{}}
	for key, val := range map[string]any{
		"server.port":         4100,
		"ingest.batch_delay":  "80ms",
		"retrieval.threshold": 0.7,
		"server.mcp_enabled":  true,
	} {
		if err := b.Set(key, val); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	reloaded := &fileBackend{path: path}
	reloaded.load()
	if port, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || port != 4100 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	if d, ok, _ := reloaded.GetString("ingest.batch_delay"); !ok || d != "80ms" {
		t.Errorf("GetString = %q, %v", d, ok)
	}
	if f, ok, err := reloaded.GetFloat("retrieval.threshold"); err != nil || !ok || f != 0.7 {
		t.Errorf("GetFloat = %v, %v, %v", f, ok, err)
	}
	if v, ok, _ := reloaded.GetString("server.mcp_enabled"); !ok || v != "true" {
		t.Errorf("bool read back as %q, %v", v, ok)
	}

	if err := reloaded.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	again := &fileBackend{path: path}
	again.load()
	if _, ok, _ := again.GetInt("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
}

func TestFileBackend_QuotedNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"ingest.batch_size":"12","retrieval.top_k":2.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b := &fileBackend{path: path}
	b.load()

	if n, ok, err := b.GetInt("ingest.batch_size"); err != nil || !ok || n != 12 {
		t.Errorf("quoted int = %d, %v, %v", n, ok, err)
	}
	if _, _, err := b.GetInt("retrieval.top_k"); err == nil {
		t.Error("expected error for a fractional integer")
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := keychainGet(secretService, "llm_api_key"); err == nil {
		t.Fatal("expected error before anything is stored")
	}
	if err := keychainSet(secretService, "llm_api_key", "sk-test"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(secretService, "llm_api_key")
	if err != nil || string(got) != "sk-test" {
		t.Fatalf("keychainGet = %q, %v", got, err)
	}

	if err := keychainDelete(secretService, "llm_api_key"); err != nil {
		t.Fatalf("keychainDelete: %v", err)
	}
	if _, err := keychainGet(secretService, "llm_api_key"); err == nil {
		t.Error("secret still readable after delete")
	}
	if err := keychainDelete(secretService, "llm_api_key"); err != nil {
		t.Errorf("deleting a missing secret: %v", err)
	}
}
