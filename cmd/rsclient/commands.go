package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docopt/docopt-go"

	"RemoteSettings/client"
	"RemoteSettings/collection"
	"RemoteSettings/internal/logger"
	"RemoteSettings/storage"
	"RemoteSettings/verify"
)

// output is the JSON document printed by get and cached.
type output struct {
	Bucket     string              `json:"bucket"`
	Collection string              `json:"collection"`
	Timestamp  uint64              `json:"timestamp"`
	Stale      bool                `json:"stale"`
	Attested   bool                `json:"attested"`
	Records    []collection.Record `json:"records"`
}

// runGet syncs the collection and prints it.
func runGet(ctx context.Context, cfg *Config, out io.Writer) error {
	s, err := cfg.openStorage()
	if err != nil {
		return err
	}
	defer storage.Close(s)

	ccfg, err := cfg.clientConfig(s)
	if err != nil {
		return err
	}

	c, err := client.New(ccfg)
	if err != nil {
		return fmt.Errorf("create client:\n%w", err)
	}

	res, err := c.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync %s:\n%w", c.CacheKey(), err)
	}

	if res.Stale {
		logger.Warn("served stale collection", "key", c.CacheKey(), "cause", res.Cause)
	}

	return writeJSON(out, output{
		Bucket:     res.Collection.Bucket,
		Collection: res.Collection.Name,
		Timestamp:  res.Collection.Timestamp,
		Stale:      res.Stale,
		Attested:   res.Attested,
		Records:    res.Records(),
	})
}

// keyLister is implemented by backends that can enumerate their keys.
type keyLister interface {
	Keys(prefix string) ([]string, error)
}

// runCached prints a cached collection, or lists cached keys when no
// collection is given.
func runCached(cfg *Config, out io.Writer) error {
	s, err := cfg.openStorage()
	if err != nil {
		return err
	}
	defer storage.Close(s)

	if cfg.Collection == "" {
		lister, ok := s.(keyLister)
		if !ok {
			return fmt.Errorf("listing the cache needs the %s backend", storage.BackendPebble)
		}

		keys, err := lister.Keys(cfg.Bucket + "/")
		if err != nil {
			return fmt.Errorf("list cache:\n%w", err)
		}

		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	}

	c, err := client.New(client.Config{
		BucketName:     cfg.Bucket,
		CollectionName: cfg.Collection,
		ServerURL:      cfg.Server,
		Storage:        s,
	})
	if err != nil {
		return fmt.Errorf("create client:\n%w", err)
	}

	cached := c.Cached()
	if cached == nil {
		return fmt.Errorf("no cached collection for %s", c.CacheKey())
	}

	return writeJSON(out, output{
		Bucket:     cached.Bucket,
		Collection: cached.Name,
		Timestamp:  cached.Timestamp,
		Stale:      true,
		Records:    cached.Records,
	})
}

// runKeygen prints a BLS key pair. An empty seed draws a random one.
func runKeygen(seedHex string, out io.Writer) error {
	seed, err := parseSeed(seedHex)
	if err != nil {
		return err
	}

	key, err := verify.GenerateBLSKeyFromSeed(seed)
	if err != nil {
		return fmt.Errorf("generate key:\n%w", err)
	}

	fmt.Fprintf(out, "seed: %s\n", hex.EncodeToString(seed))
	fmt.Fprintf(out, "public: %s\n", hex.EncodeToString(key.PublicKeyBytes()))

	return nil
}

// parseSeed decodes a hex seed, or returns 32 random bytes when empty.
func parseSeed(seedHex string) ([]byte, error) {
	if seedHex == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate random seed:\n%w", err)
		}
		return seed, nil
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed:\n%w", err)
	}

	return seed, nil
}

// signInput is the dataset read by the sign command, in changeset form.
type signInput struct {
	Changes   []json.RawMessage `json:"changes"`
	Timestamp uint64            `json:"timestamp"`
}

// runSign prints the signature a client will accept for the given dataset.
func runSign(opts docopt.Opts, out io.Writer) error {
	name, _ := opts.String("<collection>")
	path, _ := opts.String("<file>")
	seedHex, _ := opts.String("--seed")

	bucket, _ := opts.String("--bucket")
	if bucket == "" {
		bucket = client.DefaultBucketName
	}

	if seedHex == "" {
		return errors.New("sign needs --seed")
	}

	seed, err := parseSeed(seedHex)
	if err != nil {
		return err
	}

	key, err := verify.GenerateBLSKeyFromSeed(seed)
	if err != nil {
		return fmt.Errorf("generate key:\n%w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dataset:\n%w", err)
	}

	var in signInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse dataset %s:\n%w", path, err)
	}

	changes := make([]collection.Record, len(in.Changes))
	for i, raw := range in.Changes {
		if changes[i], err = collection.DecodeRecord(raw); err != nil {
			return fmt.Errorf("record %d:\n%w", i, err)
		}
	}

	// Sign what a client holds after a full sync of this dataset.
	state, err := collection.Merge(collection.New(bucket, name), &collection.Delta{
		Changes:   changes,
		Timestamp: in.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("build collection:\n%w", err)
	}

	if err := collection.Validate(state); err != nil {
		return fmt.Errorf("invalid dataset:\n%w", err)
	}

	sig, err := key.SignCollection(state)
	if err != nil {
		return fmt.Errorf("sign:\n%w", err)
	}

	fmt.Fprintln(out, base64.RawURLEncoding.EncodeToString(sig))

	return nil
}

// writeJSON prints v as indented JSON.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)

	return enc.Encode(v)
}
