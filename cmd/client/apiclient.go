package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/portbroker/internal/api"
)

// ErrPoolExhausted is returned by Lease when the broker has no free port.
var ErrPoolExhausted = errors.New("broker pool exhausted")

// apiClient talks to the broker's control API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) Lease(ctx context.Context, token string) (int, error) {
	var l api.Lease
	status, err := c.do(ctx, http.MethodPost, "/ports/"+url.PathEscape(token), &l)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		return l.Port, nil
	case http.StatusServiceUnavailable:
		return 0, ErrPoolExhausted
	default:
		return 0, fmt.Errorf("lease %s: unexpected status %d", token, status)
	}
}

func (c *apiClient) Release(ctx context.Context, port int) error {
	status, err := c.do(ctx, http.MethodDelete, "/leases/"+strconv.Itoa(port), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("release %d: unexpected status %d", port, status)
	}
	return nil
}

func (c *apiClient) Remove(ctx context.Context, token string) error {
	status, err := c.do(ctx, http.MethodDelete, "/ports/"+url.PathEscape(token), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("remove %s: unexpected status %d", token, status)
	}
	return nil
}

func (c *apiClient) Status(ctx context.Context) (api.Status, error) {
	var st api.Status
	status, err := c.do(ctx, http.MethodGet, "/status", &st)
	if err != nil {
		return st, err
	}
	if status != http.StatusOK {
		return st, fmt.Errorf("status: unexpected status %d", status)
	}
	return st, nil
}

func (c *apiClient) Ports(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	status, err := c.do(ctx, http.MethodGet, "/ports", &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ports: unexpected status %d", status)
	}
	return out, nil
}

// do sends the request and decodes a 200 body into out when out is not nil.
func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
