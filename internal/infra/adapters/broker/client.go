package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/observability"
)

// Client performs raw requests against the broker web endpoints.
type Client struct {
	opts    Options
	http    *http.Client
	logger  observability.Logger
	metrics *clientMetrics
}

// NewClient constructs a broker client. A nil logger disables logging.
func NewClient(cfg Config, logger observability.Logger) *Client {
	opts := withDefaults(Options{Config: cfg, metadata: metadata{}})
	if logger == nil {
		logger = observability.Nop()
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Config.HTTPTimeout},
		logger:  logger,
		metrics: newClientMetrics(opts.Config.Name),
	}
}

// Name returns the broker identifier used in errors and metrics.
func (c *Client) Name() string {
	return c.opts.Config.Name
}

// StreamURL returns the configured quote stream endpoint.
func (c *Client) StreamURL() string {
	return c.opts.StreamURL()
}

func (c *Client) postForm(ctx context.Context, operation, path string, form url.Values) (string, error) {
	endpoint := c.opts.restEndpoint(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, operation, req)
}

func (c *Client) get(ctx context.Context, operation, path string, query url.Values) (string, error) {
	endpoint := c.opts.restEndpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", operation, err)
	}
	return c.do(ctx, operation, req)
}

func (c *Client) do(ctx context.Context, operation string, req *http.Request) (string, error) {
	req.Header.Set("User-Agent", c.opts.Config.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.recordRequest(ctx, operation, "transport_error")
		return "", errs.New(c.Name(), errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("request %s", operation)),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
		text := strings.TrimSpace(string(body))
		code := errs.CodeProtocol
		if isRateGuard(text) {
			code = errs.CodeRateGuard
		} else if resp.StatusCode >= http.StatusInternalServerError {
			code = errs.CodeNetwork
		}
		c.metrics.recordRequest(ctx, operation, string(code))
		return "", errs.New(c.Name(), code,
			errs.WithMessage(fmt.Sprintf("%s status %d", operation, resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(text))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.recordRequest(ctx, operation, "read_error")
		return "", errs.New(c.Name(), errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("read %s response", operation)),
			errs.WithCause(err))
	}
	text := string(body)
	if isRateGuard(text) {
		c.metrics.recordRequest(ctx, operation, string(errs.CodeRateGuard))
		return "", errs.New(c.Name(), errs.CodeRateGuard,
			errs.WithMessage(fmt.Sprintf("%s answered by anti-automation guard", operation)),
			errs.WithRawMessage(text))
	}
	c.metrics.recordRequest(ctx, operation, "success")
	return text, nil
}

func isRateGuard(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "ddos-guard") || strings.Contains(lower, "ddos protection")
}

// hasFailureMarker reports whether a scraped response signals a rejected request.
func hasFailureMarker(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "error") || strings.Contains(lower, "alert")
}

// scrapeAttr returns the value of the first name="value" occurrence in body.
func scrapeAttr(body, name string) (string, bool) {
	marker := name + `="`
	start := strings.Index(body, marker)
	if start < 0 {
		return "", false
	}
	start += len(marker)
	end := strings.IndexByte(body[start:], '"')
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[start : start+end]), true
}

func (c *Client) protocolError(operation, message, body string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(fmt.Sprintf("%s: %s", operation, message)),
		errs.WithRawMessage(body),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(c.Name(), errs.CodeProtocol, opts...)
}

var errNoSession = errors.New("broker: session not established")
