package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"RemoteSettings/collection"
	"RemoteSettings/internal/logger"
)

const (
	defaultRequestTimeout = 60 * time.Second // defaultRequestTimeout bounds one changeset request
	maxResponseSize       = 64 << 20         // maxResponseSize caps a changeset body
)

// ErrFetch matches every *FetchError with errors.Is.
var ErrFetch = errors.New("fetch failed")

// FetchError reports a failed changeset request.
type FetchError struct {
	URL    string // URL is the requested endpoint, if known
	Status int    // Status is the HTTP status, 0 for transport errors
	Err    error  // Err is the underlying cause
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	case e.URL != "":
		return fmt.Sprintf("fetch %s:\n%v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch:\n%v", e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// asFetchError makes sure fetcher failures are typed.
func asFetchError(err error) error {
	if errors.Is(err, ErrFetch) {
		return err
	}
	return &FetchError{Err: err}
}

// Fetcher retrieves the changes of a collection since a timestamp.
// When hasSince is false the full collection is requested.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, name string, since uint64, hasSince bool) (*collection.Delta, error)
}

// HTTPFetcher reads changesets from a Remote Settings server.
type HTTPFetcher struct {
	serverURL string       // serverURL is the service root, without trailing slash
	client    *http.Client // client performs the requests
}

// NewHTTPFetcher creates a fetcher for serverURL. A nil client uses http.DefaultClient.
func NewHTTPFetcher(serverURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPFetcher{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    client,
	}
}

// NewHTTP3Transport returns an HTTP/3 round tripper for servers reachable over QUIC.
// A nil tlsConfig uses the system roots.
func NewHTTP3Transport(tlsConfig *tls.Config) *http3.Transport {
	return &http3.Transport{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}
}

// ChangesetURL returns the changeset endpoint of a collection.
func (f *HTTPFetcher) ChangesetURL(bucket, name string, since uint64, hasSince bool) string {
	q := url.Values{}
	q.Set("_expected", "0")
	if hasSince {
		q.Set("_since", strconv.Quote(strconv.FormatUint(since, 10)))
	}

	return fmt.Sprintf("%s/buckets/%s/collections/%s/changeset?%s",
		f.serverURL, url.PathEscape(bucket), url.PathEscape(name), q.Encode())
}

// changesetResponse is the JSON body of a changeset endpoint.
type changesetResponse struct {
	Metadata struct {
		Signature *struct {
			Signature string `json:"signature"`
			X5U       string `json:"x5u"`
		} `json:"signature"`
	} `json:"metadata"`
	Changes   []json.RawMessage `json:"changes"`
	Timestamp json.Number       `json:"timestamp"`
}

// Fetch performs GET on the changeset endpoint and decodes the delta.
func (f *HTTPFetcher) Fetch(ctx context.Context, bucket, name string, since uint64, hasSince bool) (*collection.Delta, error) {
	endpoint := f.ChangesetURL(bucket, name, since, hasSince)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: endpoint, Err: err}
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if backoff := resp.Header.Get("Backoff"); backoff != "" {
		logger.Warn("server asked clients to back off", "seconds", backoff, "url", endpoint)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: endpoint, Status: resp.StatusCode}
	}

	var body changesetResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, &FetchError{URL: endpoint, Err: fmt.Errorf("decode changeset:\n%w", err)}
	}

	delta, err := body.delta()
	if err != nil {
		return nil, &FetchError{URL: endpoint, Err: err}
	}

	logger.Debug("changeset fetched",
		"url", endpoint,
		"changes", len(delta.Changes),
		"timestamp", delta.Timestamp,
	)

	return delta, nil
}

// delta converts the decoded body into a collection delta.
func (b *changesetResponse) delta() (*collection.Delta, error) {
	ts, err := strconv.ParseUint(strings.Trim(b.Timestamp.String(), `"`), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid changeset timestamp %q:\n%w", b.Timestamp, err)
	}

	changes := make([]collection.Record, 0, len(b.Changes))
	for i, raw := range b.Changes {
		r, err := collection.DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("change %d:\n%w", i, err)
		}
		changes = append(changes, r)
	}

	var sig []byte
	if b.Metadata.Signature != nil && b.Metadata.Signature.Signature != "" {
		sig, err = decodeSignature(b.Metadata.Signature.Signature)
		if err != nil {
			return nil, err
		}
	}

	return &collection.Delta{Changes: changes, Timestamp: ts, Signature: sig}, nil
}

// decodeSignature accepts url-safe or standard base64, padded or not.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")

	if sig, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return sig, nil
	}

	sig, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature:\n%w", err)
	}

	return sig, nil
}
