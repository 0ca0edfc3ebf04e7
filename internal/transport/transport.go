// Package transport fetches manifests and file content from the remote
// tree over HTTP, hashing each response body as it streams.
package transport

import (
	"context"
	"crypto/sha1" //nolint:gosec // wire hash algorithm mandated by the manifest format
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is the outcome of a successful fetch: the decoded body plus the
// SHA-1 hash computed over the exact bytes received.
type Result struct {
	Body []byte
	Hash string
}

// NotFound is returned for a 404 response from the remote tree, which
// callers treat as "this node no longer exists" rather than a transient
// failure.
type NotFound struct {
	URL string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("transport: %s: not found", e.URL)
}

// Client fetches resources from the remote tree.
type Client interface {
	// FetchManifest retrieves the .dirindex document at the given
	// directory's remote URL.
	FetchManifest(ctx context.Context, dirURL string) (*Result, error)
	// FetchFile retrieves a file's content, writing it into dst as it is
	// received rather than buffering the whole body in memory.
	FetchFile(ctx context.Context, fileURL string, dst io.Writer) (string, error)
	// ResolveURL returns the manifest URL for the directory at relPath.
	ResolveURL(relPath string) string
	// ResolveFileURL returns the content URL for the file at relPath.
	ResolveFileURL(relPath string) string
}

// HTTPClient implements Client using net/http.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a Client rooted at baseURL, the remote tree's root
// address with no trailing slash.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// ResolveURL joins the client's base URL with a path relative to the
// mirror root, such as "Airports/KSFO".
func (c *HTTPClient) ResolveURL(relPath string) string {
	relPath = strings.TrimPrefix(relPath, "/")
	if relPath == "" {
		return c.baseURL + "/.dirindex"
	}
	return c.baseURL + "/" + relPath + "/.dirindex"
}

// ResolveFileURL joins the client's base URL with a file's relative path.
func (c *HTTPClient) ResolveFileURL(relPath string) string {
	relPath = strings.TrimPrefix(relPath, "/")
	return c.baseURL + "/" + relPath
}

// FetchManifest buffers the whole response body, since manifests are small
// and the reconciliation logic needs the full text to parse.
func (c *HTTPClient) FetchManifest(ctx context.Context, dirURL string) (*Result, error) {
	body, err := c.get(ctx, dirURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	h := sha1.New() //nolint:gosec
	tee := io.TeeReader(body, h)
	data, err := io.ReadAll(tee)
	if err != nil {
		return nil, fmt.Errorf("transport: read %s: %w", dirURL, err)
	}

	return &Result{Body: data, Hash: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

// FetchFile streams the response body into dst while hashing it, so a
// large scenery file never needs to be held in memory whole.
func (c *HTTPClient) FetchFile(ctx context.Context, fileURL string, dst io.Writer) (string, error) {
	body, err := c.get(ctx, fileURL)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = body.Close()
	}()

	h := sha1.New() //nolint:gosec
	w := io.MultiWriter(dst, h)
	if _, err := io.Copy(w, body); err != nil {
		return "", fmt.Errorf("transport: stream %s: %w", fileURL, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func (c *HTTPClient) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("transport: bad url %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request for %s: %w", rawURL, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request %s: %w", rawURL, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, &NotFound{URL: rawURL}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("transport: %s: unexpected status %s", rawURL, resp.Status)
	}

	return resp.Body, nil
}
