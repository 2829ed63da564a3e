// Package vector implements the store adapter for the Qdrant-compatible
// vector store: collection enumeration, point export via scroll, and
// destructive recreate-then-upsert loads with post-load count checks.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/store"
)

// Client is a thin HTTP client for the vector store's admin surface. Only
// the primitives the orchestrator needs are wrapped: list, create, delete,
// scroll, upsert, count.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClientFromConfig builds a client from the configured endpoint.
func NewClientFromConfig(cfg config.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.QdrantBaseURL(),
		apiKey:     cfg.Qdrant.APIKey,
	}
}

// NewClient builds a client against an explicit base URL, used by tests.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", store.ErrStoreUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector store %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 256))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("vector store %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

var errNotFound = fmt.Errorf("vector store: not found")

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// CollectionParams is the opaque vector configuration of a collection,
// captured verbatim and replayed on restore.
type CollectionParams = json.RawMessage

// Point is one vector with its payload metadata.
type Point struct {
	ID      any             `json:"id"`
	Vector  json.RawMessage `json:"vector,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ListCollections enumerates all collection names.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Result.Collections))
	for _, col := range resp.Result.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

// CollectionInfo returns the collection's vector params and point count.
func (c *Client) CollectionInfo(ctx context.Context, name string) (CollectionParams, int64, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors json.RawMessage `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
			PointsCount int64 `json:"points_count"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Result.Config.Params.Vectors, resp.Result.PointsCount, nil
}

// CreateCollection creates a collection with the given vector params.
func (c *Client) CreateCollection(ctx context.Context, name string, params CollectionParams) error {
	body := map[string]any{"vectors": params}
	return c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

// DeleteCollection removes a collection; deleting a missing one is not an
// error.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	if err == errNotFound {
		return nil
	}
	return err
}

// Scroll pages through a collection's points with vectors and payloads.
// A nil returned offset means the scroll is exhausted.
func (c *Client) Scroll(ctx context.Context, name string, offset any, limit int) ([]Point, any, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if offset != nil {
		body["offset"] = offset
	}
	var resp struct {
		Result struct {
			Points         []Point `json:"points"`
			NextPageOffset any     `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/scroll", body, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Result.Points, resp.Result.NextPageOffset, nil
}

// Upsert writes a batch of points, waiting for them to be applied.
func (c *Client) Upsert(ctx context.Context, name string, points []Point) error {
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true", body, nil)
}

// Count returns the exact point count of a collection.
func (c *Client) Count(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/count", map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Healthz probes store reachability.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections", nil, nil)
}
