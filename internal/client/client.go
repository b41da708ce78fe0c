// Package client is the HTTP client the CLI uses to talk to a branchbox
// server. Methods mirror the /v1 API one to one and return the same wire
// types the server writes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/branchbox/branchbox/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RepositoryInfo is a repository record with its mirror state attached,
// as returned by GET /v1/repos.
type RepositoryInfo struct {
	types.Repository
	Mirror types.MirrorInfo `json:"mirror"`
}

func (c *Client) CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.Session, error) {
	var out types.Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", nil, req, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context, activeOnly bool) ([]types.Session, error) {
	var q url.Values
	if activeOnly {
		q = url.Values{"active": []string{"true"}}
	}
	var out []types.Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (types.Session, error) {
	var out types.Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) StopSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/heartbeat", nil, nil, nil)
}

// StreamSessionEvents opens the SSE stream for one session. The caller
// owns the returned body and must close it.
func (c *Client) StreamSessionEvents(ctx context.Context, id string) (io.ReadCloser, error) {
	u := c.baseURL + "/v1/sessions/" + url.PathEscape(id) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return nil, fmt.Errorf("stream events: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

func (c *Client) QueryEvents(ctx context.Context, q url.Values) ([]types.Event, error) {
	var out []types.Event
	if err := c.doJSON(ctx, http.MethodGet, "/v1/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateRepository(ctx context.Context, req types.CreateRepositoryRequest) (types.Repository, error) {
	var out types.Repository
	if err := c.doJSON(ctx, http.MethodPost, "/v1/repos", nil, req, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]RepositoryInfo, error) {
	var out []RepositoryInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/repos", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetRepository(ctx context.Context, id int64) (RepositoryInfo, error) {
	var out RepositoryInfo
	if err := c.doJSON(ctx, http.MethodGet, repoPath(id), nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) DeleteRepository(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, repoPath(id), nil, nil, nil)
}

func (c *Client) CloneRepository(ctx context.Context, id int64) (types.MirrorInfo, error) {
	var out types.MirrorInfo
	if err := c.doJSON(ctx, http.MethodPost, repoPath(id)+"/clone", nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) UpdateRepository(ctx context.Context, id int64) (types.MirrorInfo, error) {
	var out types.MirrorInfo
	if err := c.doJSON(ctx, http.MethodPost, repoPath(id)+"/update", nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ListBranches(ctx context.Context, id int64) ([]types.Branch, error) {
	var out []types.Branch
	if err := c.doJSON(ctx, http.MethodGet, repoPath(id)+"/branches", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateBranch(ctx context.Context, id int64, req types.CreateBranchRequest) error {
	return c.doJSON(ctx, http.MethodPost, repoPath(id)+"/branches", nil, req, nil)
}

func repoPath(id int64) string {
	return "/v1/repos/" + strconv.FormatInt(id, 10)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
