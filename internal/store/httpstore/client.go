// Package httpstore implements store.Store over the HTTP proxy API of a
// Cypress cluster.
package httpstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
	"github.com/ogorbacheva/ytsaurus-sub001/pkg/retry"
)

const backendName = "http"

// Config holds client configuration.
type Config struct {
	Proxy       string
	Token       string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client talks to a cluster HTTP proxy. It is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	log         *zap.Logger
	token       string
}

var _ store.Store = (*Client)(nil)

// New creates a client for cfg.Proxy, a host[:port] or URL.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: proxyURL(cfg.Proxy),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		log:         logging.Named("httpstore"),
		token:       cfg.Token,
	}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}
}

// GetAttributes implements store.Store.
func (c *Client) GetAttributes(ctx context.Context, path string, attrs []string) (store.Attributes, error) {
	params := map[string]any{"path": attributePath(path)}
	if attrs != nil {
		params["attributes"] = attrs
	}

	body, err := c.call(ctx, "get", params, "json")
	if err != nil {
		return nil, err
	}

	var out store.Attributes
	if err := decodeJSON(body, &out); err != nil {
		return nil, fmt.Errorf("decode attributes of %s: %w", path, err)
	}
	if out == nil {
		out = store.Attributes{}
	}
	return out, nil
}

// List implements store.Store.
func (c *Client) List(ctx context.Context, path string, attrs []string) ([]store.Child, error) {
	params := map[string]any{"path": path}
	if len(attrs) > 0 {
		params["attributes"] = attrs
	}

	body, err := c.call(ctx, "list", params, "json")
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode listing of %s: %w", path, err)
	}

	children := make([]store.Child, 0, len(items))
	for _, item := range items {
		child, err := decodeChild(item)
		if err != nil {
			return nil, fmt.Errorf("decode listing of %s: %w", path, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// ReadFile implements store.Store.
func (c *Client) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return c.call(ctx, "read_file", map[string]any{
		"path":   path,
		"offset": offset,
		"length": length,
	}, "")
}

// ReadTable implements store.Store.
func (c *Client) ReadTable(ctx context.Context, path string, rows store.RowRange, format string) ([]byte, error) {
	return c.call(ctx, "read_table", map[string]any{
		"path": store.WithRowRange(path, rows),
	}, format)
}

// call issues one API command with retries and returns the response body.
func (c *Client) call(ctx context.Context, command string, params map[string]any, format string) ([]byte, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", command, err)
	}

	start := time.Now()
	body, err := retry.Do(ctx, c.retryConfig, command, func() ([]byte, error) {
		return c.do(ctx, command, encoded, format)
	})
	metrics.RecordStoreOperation(backendName, command, time.Since(start), err == nil)
	if err != nil {
		c.log.Debug("command failed",
			zap.String("command", command),
			zap.ByteString("parameters", encoded),
			zap.Error(err))
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, command string, params []byte, format string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/"+command, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-YT-Parameters", string(params))
	if format != "" {
		req.Header.Set("X-YT-Output-Format", format)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
		defer gr.Close()
		reader = gr
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("%s: read response: %w", command, err))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		apiErr := parseError(resp, body)
		if resp.StatusCode >= 500 && !errors.Is(apiErr, store.ErrNotFound) {
			return nil, retry.Retryable(apiErr)
		}
		return nil, apiErr
	}
	return body, nil
}

// errorBody is the JSON error document returned by the proxy.
type errorBody struct {
	Code        int         `json:"code"`
	Message     string      `json:"message"`
	InnerErrors []errorBody `json:"inner_errors"`
	Attributes  struct {
		Path string `json:"path"`
	} `json:"attributes"`
}

func (b errorBody) toError() *store.Error {
	e := &store.Error{Code: b.Code, Message: b.Message, Path: b.Attributes.Path}
	for _, inner := range b.InnerErrors {
		e.Inner = append(e.Inner, inner.toError())
	}
	return e
}

func parseError(resp *http.Response, body []byte) error {
	raw := body
	if h := resp.Header.Get("X-YT-Error"); h != "" {
		raw = []byte(h)
	}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && (eb.Code != 0 || eb.Message != "") {
		return eb.toError()
	}
	return &store.Error{
		Code:    resp.StatusCode,
		Message: fmt.Sprintf("proxy returned %s", resp.Status),
	}
}

// attributedName is a listing entry carrying attributes.
type attributedName struct {
	Attributes store.Attributes `json:"$attributes"`
	Value      string           `json:"$value"`
}

func decodeChild(raw json.RawMessage) (store.Child, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return store.Child{}, err
		}
		return store.Child{Name: name, Attributes: store.Attributes{}}, nil
	}

	var an attributedName
	if err := decodeJSON(raw, &an); err != nil {
		return store.Child{}, err
	}
	if an.Attributes == nil {
		an.Attributes = store.Attributes{}
	}
	return store.Child{Name: an.Value, Attributes: an.Attributes}, nil
}

// decodeJSON keeps numbers as json.Number so 64-bit counters stay exact.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func attributePath(path string) string {
	if path == store.Root {
		return "//@"
	}
	return path + "/@"
}

func proxyURL(proxy string) string {
	proxy = strings.TrimSuffix(proxy, "/")
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	return proxy
}
