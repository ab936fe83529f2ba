package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docopt/docopt-go"
)

// parse parses a command line against the usage.
func parse(t *testing.T, args ...string) docopt.Opts {
	t.Helper()

	opts, err := docopt.ParseArgs(usage, args, Version)
	if err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}

	return opts
}

// runArgs parses and runs a command line, returning its output.
func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	err := run(parse(t, args...), &out)

	return out.String(), err
}

// serveChangeset starts a server answering every changeset request with body.
func serveChangeset(t *testing.T, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/changeset") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

// TestLoadConfig verifies defaults, the YAML file and flag overrides.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsclient.yaml")
	yamlConfig := `
bucket: security-state
server: https://settings.example.com/v1
backend: pebble
trusted_keys:
  - aa
  - bb
quorum: true
timeout: 5s
`
	if err := os.WriteFile(path, []byte(yamlConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(parse(t, "get", "intermediates", "--config", path, "--backend", "sqlite", "--fallback"))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Bucket != "security-state" || cfg.Server != "https://settings.example.com/v1" {
		t.Errorf("YAML values not applied: %+v", cfg)
	}

	if cfg.Backend != "sqlite" {
		t.Errorf("flag should override YAML, backend = %q", cfg.Backend)
	}

	if cfg.Collection != "intermediates" || !cfg.Quorum || !cfg.Fallback || len(cfg.TrustedKeys) != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if cfg.LogLevel != "info" || cfg.Cache != "./remote-settings" {
		t.Errorf("defaults lost: %+v", cfg)
	}

	if cfg.storageLocation() != filepath.Join("./remote-settings", "cache.db") {
		t.Errorf("sqlite location = %q", cfg.storageLocation())
	}
}

// TestLoadConfig_BadFile verifies unreadable and invalid files are reported.
func TestLoadConfig_BadFile(t *testing.T) {
	if _, err := loadConfig(parse(t, "get", "cfg", "--config", filepath.Join(t.TempDir(), "missing.yaml"))); err == nil {
		t.Error("expected error for missing config file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("bucket: [unterminated"), 0o644)

	if _, err := loadConfig(parse(t, "get", "cfg", "--config", path)); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// TestConfig_Verifier verifies trusted keys select the BLS verifier.
func TestConfig_Verifier(t *testing.T) {
	cfg := defaultConfig()

	if v, err := cfg.verifier(); err != nil || v == nil {
		t.Fatalf("default verifier: %v, %v", v, err)
	}

	cfg.TrustedKeys = []string{"zz"}
	if _, err := cfg.verifier(); err == nil {
		t.Error("expected error for non-hex key")
	}

	cfg.Timeout = "soon"
	if _, err := cfg.httpClient(); err == nil {
		t.Error("expected error for invalid timeout")
	}
}

// TestRun_GetAndCached syncs from a server then reads the cache offline.
func TestRun_GetAndCached(t *testing.T) {
	for _, backend := range []string{"file", "pebble", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			srv := serveChangeset(t, `{"metadata":{},"changes":[{"id":"a","last_modified":10,"v":1}],"timestamp":10}`)
			cache := t.TempDir()

			got, err := runArgs(t, "get", "cfg", "--server", srv.URL+"/v1", "--backend", backend, "--cache", cache, "--log", "error")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}

			var doc output
			if err := json.Unmarshal([]byte(got), &doc); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, got)
			}

			if doc.Bucket != "main" || doc.Timestamp != 10 || len(doc.Records) != 1 || doc.Stale || doc.Attested {
				t.Errorf("unexpected output: %+v", doc)
			}

			srv.Close()

			got, err = runArgs(t, "cached", "cfg", "--backend", backend, "--cache", cache)
			if err != nil {
				t.Fatalf("cached failed: %v", err)
			}

			if !strings.Contains(got, `"id": "a"`) {
				t.Errorf("cached output missing record:\n%s", got)
			}
		})
	}
}

// TestRun_CachedListsKeys verifies key listing on pebble and its absence elsewhere.
func TestRun_CachedListsKeys(t *testing.T) {
	srv := serveChangeset(t, `{"changes":[],"timestamp":3}`)
	cache := t.TempDir()

	for _, name := range []string{"one", "two"} {
		if _, err := runArgs(t, "get", name, "--server", srv.URL, "--backend", "pebble", "--cache", cache); err != nil {
			t.Fatalf("get %s failed: %v", name, err)
		}
	}

	got, err := runArgs(t, "cached", "--backend", "pebble", "--cache", cache)
	if err != nil {
		t.Fatalf("cached failed: %v", err)
	}

	if got != "main/one\nmain/two\n" {
		t.Errorf("unexpected listing %q", got)
	}

	if _, err := runArgs(t, "cached", "--backend", "file", "--cache", t.TempDir()); err == nil {
		t.Error("listing should fail on the file backend")
	}

	if _, err := runArgs(t, "cached", "missing", "--backend", "file", "--cache", t.TempDir()); err == nil {
		t.Error("expected error for a collection never cached")
	}
}

// TestRun_KeygenSignGet signs a dataset and syncs it with the matching trusted key.
func TestRun_KeygenSignGet(t *testing.T) {
	seed := strings.Repeat("07", 32)

	got, err := runArgs(t, "keygen", "--seed", seed)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	var public string
	for _, line := range strings.Split(got, "\n") {
		if v, ok := strings.CutPrefix(line, "public: "); ok {
			public = v
		}
	}
	if len(public) != 96 {
		t.Fatalf("unexpected keygen output %q", got)
	}

	dataset := `{"changes":[{"id":"b","last_modified":20},{"id":"a","last_modified":10}],"timestamp":20}`
	path := filepath.Join(t.TempDir(), "dataset.json")
	os.WriteFile(path, []byte(dataset), 0o644)

	sig, err := runArgs(t, "sign", "cfg", path, "--seed", seed)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sig = strings.TrimSpace(sig)

	body := `{"metadata":{"signature":{"signature":"` + sig + `"}},"changes":[{"id":"a","last_modified":10},{"id":"b","last_modified":20}],"timestamp":20}`
	srv := serveChangeset(t, body)

	got, err = runArgs(t, "get", "cfg", "--server", srv.URL, "--cache", t.TempDir(), "--trust", public)
	if err != nil {
		t.Fatalf("signed get failed: %v", err)
	}

	if !strings.Contains(got, `"attested": true`) {
		t.Errorf("expected attested output:\n%s", got)
	}

	other := strings.Repeat("01", 32)
	otherOut, _ := runArgs(t, "keygen", "--seed", other)
	otherPublic := strings.TrimPrefix(strings.Split(otherOut, "\n")[1], "public: ")

	if _, err := runArgs(t, "get", "cfg", "--server", srv.URL, "--cache", t.TempDir(), "--trust", otherPublic); err == nil {
		t.Error("expected verification failure with an untrusted key")
	}
}
