// Package client synchronizes a remote settings collection into a local cache.
//
// A sync loads the cached collection, asks the server for changes since its
// timestamp, merges them into a candidate, verifies the candidate and only
// then replaces the cache. Any failure before the final write leaves the
// cache untouched.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"RemoteSettings/collection"
	"RemoteSettings/internal/codec"
	"RemoteSettings/internal/logger"
	"RemoteSettings/storage"
	"RemoteSettings/verify"
)

const (
	// DefaultBucketName is the bucket used when none is configured.
	DefaultBucketName = "main"

	// DefaultServerURL is the service endpoint used when none is configured.
	DefaultServerURL = "https://firefox.settings.services.mozilla.com/v1"
)

// ErrNoCollection is returned by New when no collection name is configured.
var ErrNoCollection = errors.New("collection name is required")

// errEmptyResponse is the cause used when a fetcher returns neither changes nor an error.
var errEmptyResponse = errors.New("empty response")

// Config holds the client configuration. Zero fields take defaults.
type Config struct {
	// BucketName is the bucket to read (default DefaultBucketName).
	BucketName string

	// CollectionName is the collection to read. Required.
	CollectionName string

	// ServerURL is the service root used by the default fetcher (default DefaultServerURL).
	ServerURL string

	// Storage persists the cache (default a FileStorage in the working directory).
	Storage storage.Storage

	// Verifier attests candidates before they are cached (default verify.Noop).
	Verifier verify.Verifier

	// Fetcher retrieves changes (default an HTTPFetcher on ServerURL).
	Fetcher Fetcher

	// HTTPClient is used by the default fetcher (default a client with a 60s timeout).
	HTTPClient *http.Client

	// FallbackOnVerifyError serves the cached collection, marked stale, when a
	// candidate fails verification. When false the verification error is returned.
	FallbackOnVerifyError bool
}

// Client synchronizes one collection. It is safe for concurrent use.
type Client struct {
	cfg      Config          // cfg is the immutable configuration
	cacheKey string          // cacheKey identifies the collection in storage
	storage  storage.Storage // storage holds the last verified collection
	verifier verify.Verifier // verifier gates every write to storage
	fetcher  Fetcher         // fetcher talks to the server
}

// Result is the outcome of a sync.
type Result struct {
	// Collection is the collection served to the caller.
	Collection *collection.Collection

	// Stale is true when Collection is the cached copy because the update failed.
	Stale bool

	// Attested is true when Collection passed a real verifier during this sync.
	Attested bool

	// Cause explains why a stale collection was served.
	Cause error

	// SyncID identifies the sync in logs.
	SyncID string
}

// Records returns the records of the served collection.
func (r *Result) Records() []collection.Record {
	if r == nil || r.Collection == nil {
		return nil
	}
	return r.Collection.Records
}

// New creates a client, filling defaults for unset fields.
func New(cfg Config) (*Client, error) {
	if cfg.CollectionName == "" {
		return nil, ErrNoCollection
	}

	if cfg.BucketName == "" {
		cfg.BucketName = DefaultBucketName
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}

	if cfg.Storage == nil {
		fs, err := storage.NewFileStorage(".")
		if err != nil {
			return nil, fmt.Errorf("create default storage:\n%w", err)
		}
		cfg.Storage = fs
	}

	if cfg.Verifier == nil {
		cfg.Verifier = verify.Noop{}
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher(cfg.ServerURL, cfg.HTTPClient)
	}

	c := &Client{
		cfg:      cfg,
		cacheKey: CacheKey(cfg.BucketName, cfg.CollectionName),
		storage:  cfg.Storage,
		verifier: cfg.Verifier,
		fetcher:  cfg.Fetcher,
	}

	if verify.Skips(cfg.Verifier) {
		logger.Warn("signature verification disabled, collections are cached unattested",
			"bucket", cfg.BucketName,
			"collection", cfg.CollectionName,
		)
	} else {
		logger.Debug("client created",
			"bucket", cfg.BucketName,
			"collection", cfg.CollectionName,
			"verifier", verify.Name(cfg.Verifier),
		)
	}

	return c, nil
}

// CacheKey returns the storage key for a bucket/collection pair.
func CacheKey(bucket, name string) string {
	return bucket + "/" + name
}

// BucketName returns the configured bucket.
func (c *Client) BucketName() string {
	return c.cfg.BucketName
}

// CollectionName returns the configured collection.
func (c *Client) CollectionName() string {
	return c.cfg.CollectionName
}

// ServerURL returns the configured server.
func (c *Client) ServerURL() string {
	return c.cfg.ServerURL
}

// CacheKey returns the storage key of this client's collection.
func (c *Client) CacheKey() string {
	return c.cacheKey
}

// Get syncs and returns the records of the resulting collection.
// Stale cached records are returned without error when the server is unreachable.
func (c *Client) Get(ctx context.Context) ([]collection.Record, error) {
	res, err := c.Sync(ctx)
	if err != nil {
		return nil, err
	}

	return res.Records(), nil
}

// Cached returns the cached collection without contacting the server,
// or nil if nothing usable is cached. It does not wait for a running Sync:
// stores replace the whole entry, so it sees either the old or the new one.
func (c *Client) Cached() *collection.Collection {
	return c.loadCache(logger.With("bucket", c.cfg.BucketName, "collection", c.cfg.CollectionName))
}

// Sync fetches changes, verifies the merged candidate and persists it.
//
// Fetch and merge failures fall back to the cached collection (Stale) when
// one exists, otherwise a *FetchError is returned. A verification failure
// returns a *verify.SignatureError unless FallbackOnVerifyError is set and a
// cache exists. A persistence failure returns a *storage.Error.
func (c *Client) Sync(ctx context.Context) (*Result, error) {
	syncID := ulid.Make().String()
	log := logger.With("sync", syncID, "bucket", c.cfg.BucketName, "collection", c.cfg.CollectionName)
	start := time.Now()

	unlock := lockKey(c.cacheKey)
	defer unlock()

	cached := c.loadCache(log)

	var since uint64
	if cached != nil {
		since = cached.Timestamp
	}

	delta, err := c.fetcher.Fetch(ctx, c.cfg.BucketName, c.cfg.CollectionName, since, cached != nil)
	if err != nil {
		return c.fallback(cached, asFetchError(err), syncID, log)
	}

	if delta == nil {
		return c.fallback(cached, &FetchError{Err: errEmptyResponse}, syncID, log)
	}

	base := cached
	if base == nil {
		base = collection.New(c.cfg.BucketName, c.cfg.CollectionName)
	}

	candidate, err := collection.Merge(base, delta)
	if err != nil {
		return c.fallback(cached, &FetchError{Err: fmt.Errorf("merge changes:\n%w", err)}, syncID, log)
	}

	if err := c.verifier.Verify(candidate); err != nil {
		serr := asSignatureError(err)
		log.Warn("candidate rejected, cache left untouched",
			"verifier", verify.Name(c.verifier),
			"timestamp", candidate.Timestamp,
			"error", serr,
		)

		if c.cfg.FallbackOnVerifyError && cached != nil {
			return &Result{Collection: cached, Stale: true, Cause: serr, SyncID: syncID}, nil
		}
		return nil, serr
	}

	if err := c.persist(candidate); err != nil {
		log.Error("couldn't persist verified collection", "error", err)
		return nil, err
	}

	log.Info("collection synced",
		"records", len(candidate.Records),
		"changes", len(delta.Changes),
		"timestamp", candidate.Timestamp,
		"verifier", verify.Name(c.verifier),
		logger.Timed(start),
	)

	return &Result{
		Collection: candidate,
		Attested:   !verify.Skips(c.verifier),
		SyncID:     syncID,
	}, nil
}

// loadCache reads and decodes the cached collection. Unreadable or foreign
// entries are treated as a cache miss.
func (c *Client) loadCache(log *slog.Logger) *collection.Collection {
	blob, err := c.storage.Retrieve(c.cacheKey)
	if err != nil {
		log.Warn("couldn't read cache, syncing from scratch", "error", err)
		return nil
	}

	if blob == nil {
		log.Debug("no cached collection")
		return nil
	}

	cached, err := codec.Decode(blob)
	if err != nil {
		log.Warn("discarding unreadable cache", "error", err)
		return nil
	}

	// Distinct keys can share a file after sanitization.
	if cached.Bucket != c.cfg.BucketName || cached.Name != c.cfg.CollectionName {
		log.Warn("cache entry belongs to another collection",
			"cached_bucket", cached.Bucket,
			"cached_collection", cached.Name,
		)
		return nil
	}

	log.Debug("loaded cached collection", "records", len(cached.Records), "timestamp", cached.Timestamp)

	return cached
}

// persist encodes and stores a verified collection.
func (c *Client) persist(candidate *collection.Collection) error {
	blob, err := codec.Encode(candidate)
	if err != nil {
		return &storage.Error{Op: "encode", Key: c.cacheKey, Err: err}
	}

	if err := c.storage.Store(c.cacheKey, blob); err != nil {
		if errors.Is(err, storage.ErrStorage) {
			return err
		}
		return &storage.Error{Op: "store", Key: c.cacheKey, Err: err}
	}

	return nil
}

// fallback serves the cached collection after a failed update, or returns
// the error when there is nothing cached.
func (c *Client) fallback(cached *collection.Collection, cause error, syncID string, log *slog.Logger) (*Result, error) {
	if cached == nil {
		log.Error("sync failed and no cache available", "error", cause)
		return nil, cause
	}

	log.Warn("sync failed, serving cached collection",
		"timestamp", cached.Timestamp,
		"error", cause,
	)

	return &Result{Collection: cached, Stale: true, Cause: cause, SyncID: syncID}, nil
}

// asSignatureError makes sure verifier failures are typed.
func asSignatureError(err error) error {
	if errors.Is(err, verify.ErrSignature) {
		return err
	}
	return &verify.SignatureError{Reason: verify.ErrRejected, Err: err}
}

// keyLocks serializes syncs of the same cache key within the process.
var keyLocks sync.Map

// lockKey locks the mutex of key and returns its unlock function.
func lockKey(key string) func() {
	m, _ := keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}
