// Package ingest fetches an API description and its reference documentation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"os"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSpecTimeout = 15 * time.Second
	DefaultDocsTimeout = 10 * time.Second

	maxBodyBytes = 32 << 20
)

// ErrNotAPISpec is wrapped by every Error caused by content that is not an
// OpenAPI or Swagger document.
var ErrNotAPISpec = errors.New("not an OpenAPI/Swagger document")

// Error reports a failed ingestion of URL.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client fetches specs over HTTP or from local files.
type Client struct {
	HTTP        *http.Client
	SpecTimeout time.Duration
	DocsTimeout time.Duration
	Logger      *slog.Logger
}

func New(logger *slog.Logger) *Client {
	return &Client{Logger: logger}
}

// Ingest loads the spec at location and, when it names externalDocs.url, the
// plain text of that page. Docs failures are logged and yield "".
func (c *Client) Ingest(ctx context.Context, location string) (map[string]any, string, error) {
	location = strings.TrimSpace(location)
	body, err := c.readSpec(ctx, location)
	if err != nil {
		return nil, "", &Error{URL: location, Err: err}
	}
	spec, err := Decode(body)
	if err != nil {
		return nil, "", &Error{URL: location, Err: err}
	}
	for _, w := range Lint(ctx, spec) {
		c.logger().Warn("spec validation", "url", location, "warning", w)
	}
	docs := ""
	if docsURL := externalDocsURL(spec); docsURL != "" {
		docs, err = c.fetchDocs(ctx, docsURL)
		if err != nil {
			c.logger().Info("reference docs unavailable", "url", docsURL, "error", err.Error())
			docs = ""
		}
	}
	return spec, docs, nil
}

func (c *Client) readSpec(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, errors.New("empty spec location")
	}
	if path, ok := localPath(location); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spec: %w", err)
		}
		return b, nil
	}
	if err := requireHTTP(location); err != nil {
		return nil, err
	}
	return c.get(ctx, location, firstPositive(c.SpecTimeout, DefaultSpecTimeout))
}

func (c *Client) fetchDocs(ctx context.Context, docsURL string) (string, error) {
	if err := requireHTTP(docsURL); err != nil {
		return "", err
	}
	b, err := c.get(ctx, docsURL, firstPositive(c.DocsTimeout, DefaultDocsTimeout))
	if err != nil {
		return "", err
	}
	return ExtractText(strings.NewReader(string(b)))
}

func (c *Client) get(ctx context.Context, target string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml, text/yaml, text/html;q=0.8, */*;q=0.5")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Decode parses JSON, falling back to YAML, and requires a top-level
// openapi or swagger key.
func Decode(body []byte) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		doc = nil
		if yerr := yaml.Unmarshal(body, &doc); yerr != nil {
			return nil, fmt.Errorf("%w: content is not valid JSON or YAML", ErrNotAPISpec)
		}
		doc = normalizeYAML(doc)
	}
	spec, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrNotAPISpec)
	}
	_, hasOpenAPI := spec["openapi"]
	_, hasSwagger := spec["swagger"]
	if !hasOpenAPI && !hasSwagger {
		return nil, fmt.Errorf("%w: missing 'openapi' or 'swagger' key", ErrNotAPISpec)
	}
	return spec, nil
}

// normalizeYAML converts YAML mappings with non-string keys (status codes
// such as 200) into string-keyed maps so the spec round-trips as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// Lint runs OpenAPI 3 structural validation and returns its findings. Swagger
// 2 documents are not checked.
func Lint(ctx context.Context, spec map[string]any) []string {
	if _, ok := spec["openapi"]; !ok {
		return nil
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return []string{"encode: " + err.Error()}
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(b)
	if err != nil {
		return []string{"load: " + err.Error()}
	}
	if err := doc.Validate(ctx); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func externalDocsURL(spec map[string]any) string {
	ext, ok := spec["externalDocs"].(map[string]any)
	if !ok {
		return ""
	}
	u, _ := ext["url"].(string)
	return strings.TrimSpace(u)
}

func requireHTTP(raw string) error {
	u, err := neturl.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("unsupported url %q", raw)
	}
	return nil
}

func firstPositive(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
