package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	"sigs.k8s.io/yaml"

	"RemoteSettings/client"
	"RemoteSettings/storage"
	"RemoteSettings/verify"
)

// Config holds the command configuration. Fields can come from a YAML file
// and are overridden by command-line options.
type Config struct {
	// Bucket is the bucket to read.
	Bucket string `json:"bucket"`

	// Collection is the collection to read.
	Collection string `json:"collection"`

	// Server is the Remote Settings service root.
	Server string `json:"server"`

	// Backend is the storage backend: file, pebble, sqlite or memory.
	Backend string `json:"backend"`

	// Cache is the cache folder (file, pebble) or database path (sqlite).
	Cache string `json:"cache"`

	// TrustedKeys are hex encoded BLS public keys. Empty disables verification.
	TrustedKeys []string `json:"trusted_keys"`

	// Quorum requires an aggregate signature from every trusted key.
	Quorum bool `json:"quorum"`

	// Fallback serves the cached collection when verification fails.
	Fallback bool `json:"fallback_on_verify_error"`

	// HTTP3 fetches over QUIC.
	HTTP3 bool `json:"http3"`

	// Timeout bounds one changeset request, as a Go duration.
	Timeout string `json:"timeout"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `json:"log_level"`
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() *Config {
	return &Config{
		Bucket:   client.DefaultBucketName,
		Server:   client.DefaultServerURL,
		Backend:  storage.BackendFile,
		Cache:    "./remote-settings",
		Timeout:  "60s",
		LogLevel: "info",
	}
}

// loadConfig builds the configuration from defaults, the optional YAML file
// named by --config and the command-line options, in that order.
func loadConfig(opts docopt.Opts) (*Config, error) {
	cfg := defaultConfig()

	if path, _ := opts.String("--config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config:\n%w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s:\n%w", path, err)
		}
	}

	overrideString(opts, "--bucket", &cfg.Bucket)
	overrideString(opts, "--server", &cfg.Server)
	overrideString(opts, "--backend", &cfg.Backend)
	overrideString(opts, "--cache", &cfg.Cache)
	overrideString(opts, "--timeout", &cfg.Timeout)
	overrideString(opts, "--log", &cfg.LogLevel)
	overrideString(opts, "<collection>", &cfg.Collection)

	if keys, ok := opts["--trust"].([]string); ok && len(keys) > 0 {
		cfg.TrustedKeys = keys
	}

	overrideBool(opts, "--quorum", &cfg.Quorum)
	overrideBool(opts, "--fallback", &cfg.Fallback)
	overrideBool(opts, "--http3", &cfg.HTTP3)

	return cfg, nil
}

// overrideString replaces *dst with the option value when it is set.
func overrideString(opts docopt.Opts, key string, dst *string) {
	if v, err := opts.String(key); err == nil && v != "" {
		*dst = v
	}
}

// overrideBool sets *dst when the flag is present.
func overrideBool(opts docopt.Opts, key string, dst *bool) {
	if v, err := opts.Bool(key); err == nil && v {
		*dst = true
	}
}

// storageLocation returns where the backend keeps its data.
func (c *Config) storageLocation() string {
	if c.Backend == storage.BackendSQLite {
		return filepath.Join(c.Cache, "cache.db")
	}
	return c.Cache
}

// openStorage opens the configured backend.
func (c *Config) openStorage() (storage.Storage, error) {
	if c.Backend == storage.BackendSQLite {
		if err := os.MkdirAll(c.Cache, 0o755); err != nil {
			return nil, fmt.Errorf("create cache folder:\n%w", err)
		}
	}

	s, err := storage.Open(c.Backend, c.storageLocation())
	if err != nil {
		return nil, fmt.Errorf("open %s storage:\n%w", c.Backend, err)
	}

	return s, nil
}

// verifier builds the verifier for the trusted keys.
func (c *Config) verifier() (verify.Verifier, error) {
	if len(c.TrustedKeys) == 0 {
		return verify.Noop{}, nil
	}

	keys := make([][]byte, len(c.TrustedKeys))
	for i, k := range c.TrustedKeys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("trusted key %d:\n%w", i, err)
		}
		keys[i] = b
	}

	if c.Quorum {
		return verify.NewBLSQuorum(keys...)
	}
	return verify.NewBLS(keys...)
}

// httpClient builds the HTTP client for the fetcher.
func (c *Config) httpClient() (*http.Client, error) {
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %q:\n%w", c.Timeout, err)
	}

	hc := &http.Client{Timeout: timeout}
	if c.HTTP3 {
		hc.Transport = client.NewHTTP3Transport(nil)
	}

	return hc, nil
}

// clientConfig assembles the client configuration on an opened storage.
func (c *Config) clientConfig(s storage.Storage) (client.Config, error) {
	v, err := c.verifier()
	if err != nil {
		return client.Config{}, err
	}

	hc, err := c.httpClient()
	if err != nil {
		return client.Config{}, err
	}

	return client.Config{
		BucketName:            c.Bucket,
		CollectionName:        c.Collection,
		ServerURL:             c.Server,
		Storage:               s,
		Verifier:              v,
		HTTPClient:            hc,
		FallbackOnVerifyError: c.Fallback,
	}, nil
}
