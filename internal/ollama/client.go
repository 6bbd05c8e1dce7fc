package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrModelNotFound matches an APIError for a model Ollama does not have.
var ErrModelNotFound = errors.New("ollama: model not found")

// APIError is a non-200 answer from Ollama. Message is the "error" field of
// the body when there is one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ollama: status %d", e.Status)
	}
	return fmt.Sprintf("ollama: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrModelNotFound && e.Status == http.StatusNotFound && strings.Contains(e.Message, "not found")
}

// Client talks to a local Ollama instance. lectern uses it for embeddings
// and for making sure the embedding model is present at startup.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keepAlive  string
}

type Option func(*Client)

// WithKeepAlive sets how long Ollama keeps the model loaded after an embed
// request, in Ollama's duration syntax ("10m", "-1").
func WithKeepAlive(d string) Option {
	return func(c *Client) { c.keepAlive = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client targeting the given Ollama base URL. Requests have no
// client-side timeout; callers bound them with ctx.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		keepAlive:  "10m",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// send encodes in as JSON and returns the open response body on 200.
func (c *Client) send(ctx context.Context, method, path string, in any) (io.ReadCloser, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	body, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// IsRunning reports whether Ollama answers GET /api/version within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var v struct {
		Version string `json:"version"`
	}
	return c.call(ctx, http.MethodGet, "/api/version", nil, &v) == nil
}

// Models returns the names of the locally available models, tags included.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is available locally. A name without a tag
// means ":latest", as it does for `ollama pull`.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.Models(ctx)
	if err != nil {
		return false, err
	}
	want := withTag(name)
	for _, m := range models {
		if withTag(m) == want {
			return true, nil
		}
	}
	return false, nil
}

func withTag(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

// PullProgress is one line of the streamed /api/pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Percent is the completed share of the current layer, or -1 when the line
// carries no byte counts.
func (p PullProgress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	return int(p.Completed * 100 / p.Total)
}

// Pull downloads a model. onProgress, when non-nil, sees every status line.
// Ollama reports failures after the 200 header as an "error" line.
func (c *Client) Pull(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := c.send(ctx, http.MethodPost, "/api/pull", map[string]any{"model": name, "stream": true})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", name, err)
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pulling %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Truncate  bool     `json:"truncate"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

// EmbedMany embeds texts in one request. Vectors come back in input order.
// Inputs longer than the model context are truncated by Ollama.
func (c *Client) EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	req := embedRequest{Model: model, Input: texts, Truncate: true, KeepAlive: c.keepAlive}
	if err := c.call(ctx, http.MethodPost, "/api/embed", req, &resp); err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding with %s: got %d vectors for %d inputs", model, len(resp.Embeddings), len(texts))
	}
	for i, v := range resp.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding with %s: empty vector for input %d", model, i)
		}
	}
	return resp.Embeddings, nil
}

// Embed returns the embedding vector of a single text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
