// Package remote implements the remote object store: a GitHub repository
// addressed through the contents API, and an in-memory store.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/rollcall/internal/types"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultBranch    = "main"
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 5
	userAgent        = "rollcall"
)

// GitHubConfig selects the repository and branch exports are written to.
type GitHubConfig struct {
	BaseURL           string
	Owner             string
	Repo              string
	Branch            string
	Token             string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// GitHubStore is an ObjectStore over the GitHub contents API. Version
// tokens are blob SHAs.
type GitHubStore struct {
	cfg         GitHubConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewGitHubStore creates a GitHubStore with defaults filled in.
func NewGitHubStore(cfg GitHubConfig) *GitHubStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Branch == "" {
		cfg.Branch = defaultBranch
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRateLimit
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &GitHubStore{
		cfg:         cfg,
		httpClient:  client,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

type contentInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type deleteRequest struct {
	Message string `json:"message"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

type putResponse struct {
	Content contentInfo `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

func (g *GitHubStore) repoURL() string {
	return fmt.Sprintf("%s/repos/%s/%s", g.cfg.BaseURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo))
}

func (g *GitHubStore) contentsURL(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return g.repoURL() + "/contents/" + strings.Join(segments, "/")
}

func (g *GitHubStore) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	if g.cfg.Token == "" {
		return nil, fmt.Errorf("no github token configured: %w", types.ErrRemoteUnavailable)
	}
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, rawURL, types.ErrRemoteUnavailable, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	var apiErr apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}

	err := fmt.Errorf("github api error (HTTP %d): %s", resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", types.ErrVersionConflict, err)
	case http.StatusUnprocessableEntity:
		// a missing or stale sha is reported as a validation failure too
		if strings.Contains(strings.ToLower(msg), "sha") {
			return fmt.Errorf("%w: %w", types.ErrVersionConflict, err)
		}
		return err
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
	}
	return err
}

// GetVersion returns the blob SHA at path, or "" when no file exists.
func (g *GitHubStore) GetVersion(ctx context.Context, p string) (string, error) {
	u := g.contentsURL(p) + "?ref=" + url.QueryEscape(g.cfg.Branch)
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var info contentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode content info: %w", err)
	}
	return info.SHA, nil
}

// Get downloads the file at path with its blob SHA. Files are read from the
// inline base64 content, which the API only includes up to 1 MB.
func (g *GitHubStore) Get(ctx context.Context, p string) ([]byte, string, error) {
	u := g.contentsURL(p) + "?ref=" + url.QueryEscape(g.cfg.Branch)
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("%s: %w", p, types.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(resp)
	}

	var info contentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, "", fmt.Errorf("decode content info: %w", err)
	}
	if info.Type != "" && info.Type != "file" {
		return nil, "", fmt.Errorf("%s is a %s, not a file", p, info.Type)
	}
	if info.Encoding != "base64" {
		return nil, "", fmt.Errorf("%s: content not inlined (%d bytes, encoding %q)", p, info.Size, info.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(info.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("decode content of %s: %w", p, err)
	}
	return data, info.SHA, nil
}

// Put creates or updates the file at path. expectedVersion must be the
// current SHA, or "" to create; a stale token fails with ErrVersionConflict.
func (g *GitHubStore) Put(ctx context.Context, p string, data []byte, expectedVersion string) (string, error) {
	body := putRequest{
		Message: fmt.Sprintf("Backup %s - %s", p, time.Now().UTC().Format(time.RFC3339)),
		Content: base64.StdEncoding.EncodeToString(data),
		Branch:  g.cfg.Branch,
		SHA:     expectedVersion,
	}
	resp, err := g.do(ctx, http.MethodPut, g.contentsURL(p), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	return out.Content.SHA, nil
}

// Delete removes the file at path. expectedVersion must be its current SHA.
func (g *GitHubStore) Delete(ctx context.Context, p string, expectedVersion string) error {
	body := deleteRequest{
		Message: fmt.Sprintf("Remove %s - %s", p, time.Now().UTC().Format(time.RFC3339)),
		SHA:     expectedVersion,
		Branch:  g.cfg.Branch,
	}
	resp, err := g.do(ctx, http.MethodDelete, g.contentsURL(p), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", p, types.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Probe checks the token can read the repository.
func (g *GitHubStore) Probe(ctx context.Context) error {
	resp, err := g.do(ctx, http.MethodGet, g.repoURL(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		if errors.Is(err, types.ErrRemoteUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
	}
	return nil
}

// List returns the files directly under dir, sorted by name. A missing
// directory is empty.
func (g *GitHubStore) List(ctx context.Context, dir string) ([]types.ObjectInfo, error) {
	u := g.contentsURL(dir) + "?ref=" + url.QueryEscape(g.cfg.Branch)
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []types.ObjectInfo{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var entries []contentInfo
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode directory listing: %w", err)
	}

	objects := make([]types.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		objects = append(objects, types.ObjectInfo{Path: e.Path, Name: e.Name, Version: e.SHA, Size: e.Size})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}
