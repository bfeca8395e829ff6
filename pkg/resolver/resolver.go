// Package resolver provides an HTTP client for the container hierarchy
// service, backing job input resolution and batch target expansion.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// Client implements core.Resolver against a remote hierarchy service.
type Client struct {
	base   string
	client *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// New returns a resolver client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("resolver base URL is required")
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve looks up a single file on a container. A 404 from the service
// means the file or container does not exist and resolves to (nil, nil).
func (c *Client) Resolve(ctx context.Context, ref core.FileRef) (*core.FileInfo, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/containers/%s/%s/files/%s",
		url.PathEscape(string(ref.Type)), url.PathEscape(ref.ID), url.PathEscape(ref.Name))

	var info core.FileInfo
	found, err := c.getJSON(ctx, path, &info)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &info, nil
}

// ExpandHierarchy lists the acquisitions under a container.
func (c *Client) ExpandHierarchy(ctx context.Context, ref core.ContainerRef) ([]core.ContainerRef, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.Type == core.TypeAcquisition {
		return []core.ContainerRef{ref}, nil
	}
	path := fmt.Sprintf("/containers/%s/%s/acquisitions",
		url.PathEscape(string(ref.Type)), url.PathEscape(ref.ID))

	var refs []core.ContainerRef
	found, err := c.getJSON(ctx, path, &refs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("container %s/%s not found", ref.Type, ref.ID)
	}
	return refs, nil
}

// ListFiles lists the files a container owns.
func (c *Client) ListFiles(ctx context.Context, ref core.ContainerRef) ([]core.FileInfo, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/containers/%s/%s/files",
		url.PathEscape(string(ref.Type)), url.PathEscape(ref.ID))

	var files []core.FileInfo
	found, err := c.getJSON(ctx, path, &files)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return files, nil
}

// getJSON performs a GET and decodes the body into out. It reports false
// without error on a 404.
func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("resolver request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("resolver returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding resolver response: %w", err)
	}
	return true, nil
}
