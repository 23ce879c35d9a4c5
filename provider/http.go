package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"
	"github.com/sony/gobreaker"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

// Response transforms.
const (
	transformJSON     = "json"
	transformText     = "text"
	transformMarkdown = "markdown"
)

// HTTPProvider performs an HTTP call. URL, headers, and body are templates.
// A circuit breaker trips after repeated transport failures so a flapping
// endpoint does not burn the whole run budget.
type HTTPProvider struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProvider creates the provider with a shared client and breaker.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		client: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "http_client",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *HTTPProvider) Name() string        { return TypeHTTP }
func (p *HTTPProvider) Description() string { return "Performs an HTTP request" }

func (p *HTTPProvider) SupportedKeys() []string {
	return []string{"url", "method", "headers", "body", "transform"}
}

func (p *HTTPProvider) Requirements() []string { return []string{"network access"} }

// Validate requires a URL and a known transform.
func (p *HTTPProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("url") == "" {
		return fmt.Errorf("http_client check requires url")
	}
	switch spec.ParamString("transform") {
	case "", transformJSON, transformText, transformMarkdown:
		return nil
	default:
		return fmt.Errorf("unknown transform %q", spec.ParamString("transform"))
	}
}

func (p *HTTPProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	rawURL, err := ec.RenderString(ctx, spec.ParamString("url"))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("render url: %w", err))
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" {
		return nil, NewPermanentError(fmt.Errorf("invalid url %q", rawURL))
	}

	method := strings.ToUpper(spec.ParamString("method"))
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body := spec.ParamString("body"); body != "" {
		rendered, rerr := ec.RenderString(ctx, body)
		if rerr != nil {
			return nil, NewPermanentError(fmt.Errorf("render body: %w", rerr))
		}
		bodyReader = bytes.NewBufferString(rendered)
	}

	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultCheckTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("build request: %w", err))
	}
	for k, v := range spec.ParamMap("headers") {
		rendered, rerr := ec.RenderString(ctx, fmt.Sprint(v))
		if rerr != nil {
			return nil, NewPermanentError(fmt.Errorf("render header %s: %w", k, rerr))
		}
		req.Header.Set(k, rendered)
	}

	result, err := p.breaker.Execute(func() (any, error) {
		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return nil, NewTransientError(fmt.Errorf("http request: %w", doErr))
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if readErr != nil {
			return nil, NewTransientError(fmt.Errorf("read response: %w", readErr))
		}
		if resp.StatusCode >= 500 {
			return nil, NewTransientError(fmt.Errorf("http %d from %s", resp.StatusCode, rawURL))
		}
		if resp.StatusCode >= 400 {
			return nil, NewPermanentError(fmt.Errorf("http %d from %s", resp.StatusCode, rawURL))
		}
		return string(data), nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, NewTransientError(fmt.Errorf("circuit open for http_client: %w", err))
		}
		return nil, err
	}
	body := result.(string)

	switch spec.ParamString("transform") {
	case transformText:
		return &review.Summary{Output: body, Content: body, Raw: body}, nil
	case transformMarkdown:
		md, convErr := htmlToMarkdown(body, parsedURL)
		if convErr != nil {
			return nil, NewPermanentError(fmt.Errorf("markdown transform: %w", convErr))
		}
		return &review.Summary{Output: md, Content: md, Raw: body}, nil
	default:
		value := outputs.FromText(body)
		return &review.Summary{Output: value.AsParsed(), Content: body, Raw: value.AsString()}, nil
	}
}

// htmlToMarkdown extracts the readable article from an HTML page and
// converts it to markdown.
func htmlToMarkdown(body string, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(strings.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	converter := htmltomarkdown.NewConverter(pageURL.Host, true, nil)
	md, err := converter.ConvertString(article.Content)
	if err != nil {
		return "", fmt.Errorf("convert: %w", err)
	}
	if title := strings.TrimSpace(article.Title); title != "" {
		md = "# " + title + "\n\n" + md
	}
	return md, nil
}
