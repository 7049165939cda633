package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// API endpoints, relative to the base URL.
const (
	EndpointFetch = "download_script"
	EndpointList  = "get_scripts_in_folder"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryWaitMin = 1 * time.Second
	DefaultRetryWaitMax = 30 * time.Second

	// maxResponseBytes bounds a single response body.
	maxResponseBytes = 32 << 20
)

type HTTPOptions struct {
	Logger      log.Logger
	BaseURL     string
	APIKey      string
	Credentials Credentials

	// Bucket and DeviceID fill requests that leave them empty.
	Bucket   string
	DeviceID string

	// Timeout applies to each attempt.
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Metrics Metrics

	// Transport is wrapped with otelhttp; nil uses a pooled transport.
	Transport http.RoundTripper
}

// HTTPClient talks to the distribution API. Transient failures (connection
// errors, 5xx) are retried with exponential backoff; a 401 triggers exactly
// one credential refresh and one more attempt.
type HTTPClient struct {
	base     string
	apiKey   string
	creds    Credentials
	bucket   string
	deviceID string
	client   *retryablehttp.Client
	logger   log.Logger
	metrics  Metrics
}

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("BaseURL is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Credentials == nil {
		opts.Credentials = StaticCredentials("")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = max(DefaultRetryWaitMax, opts.RetryWaitMin)
	}

	c := &HTTPClient{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   strings.TrimSpace(opts.APIKey),
		creds:    opts.Credentials,
		bucket:   opts.Bucket,
		deviceID: opts.DeviceID,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = leveled{opts.Logger}
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = c.onAttempt
	if opts.Transport != nil {
		rc.HTTPClient.Transport = opts.Transport
	}
	rc.HTTPClient.Transport = otelhttp.NewTransport(rc.HTTPClient.Transport)
	rc.HTTPClient.Timeout = opts.Timeout
	c.client = rc

	return c, nil
}

// retryPolicy retries connection errors and 5xx other than 501. Client
// errors, including 401 and 429, are never retried here.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

func (c *HTTPClient) onAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt > 0 && c.metrics != nil {
		c.metrics.IncRemoteRetry(path.Base(req.URL.Path))
	}
}

// Fetch asks the API for one encrypted extension.
func (c *HTTPClient) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := pathutil.ValidKey(req.Key); err != nil {
		return nil, xerrors.Wrap(err, "fetch")
	}
	if req.Bucket == "" {
		req.Bucket = c.bucket
	}
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}

	var resp Response
	if err := c.post(ctx, EndpointFetch, req, &resp); err != nil {
		c.count(EndpointFetch, ResultError)
		return nil, xerrors.Wrapf(err, "fetch %s", req.Key)
	}
	if err := resp.check(); err != nil {
		c.count(EndpointFetch, ResultError)
		return nil, xerrors.Wrapf(err, "fetch %s", req.Key)
	}
	if resp.Unchanged {
		c.count(EndpointFetch, ResultUnchanged)
		return &resp, nil
	}
	if resp.EncryptedData == "" {
		c.count(EndpointFetch, ResultError)
		return nil, xerrors.Markf(xerrors.ErrFormat, "fetch %s: response has no payload", req.Key)
	}
	c.count(EndpointFetch, ResultOK)
	return &resp, nil
}

type listRequest struct {
	FolderPath string `json:"folder_path"`
}

type listResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Scripts json.RawMessage `json:"scripts"`
}

// List returns the extension keys under folder, sorted.
func (c *HTTPClient) List(ctx context.Context, folder string) ([]string, error) {
	if err := pathutil.ValidFolder(folder); err != nil {
		return nil, xerrors.Wrap(err, "list")
	}
	var resp listResponse
	if err := c.post(ctx, EndpointList, listRequest{FolderPath: folder}, &resp); err != nil {
		c.count(EndpointList, ResultError)
		return nil, xerrors.Wrapf(err, "list %s", folder)
	}
	if resp.Status != StatusSuccess {
		c.count(EndpointList, ResultError)
		return nil, xerrors.Newf("list %s: remote status %q: %s", folder, resp.Status, resp.Message)
	}
	keys, err := parseScripts(resp.Scripts)
	if err != nil {
		c.count(EndpointList, ResultError)
		return nil, xerrors.Mark(xerrors.Wrapf(err, "list %s: decode scripts", folder), xerrors.ErrFormat)
	}
	c.count(EndpointList, ResultOK)
	return keys, nil
}

// parseScripts accepts either a flat key list or a map of folder to keys.
func parseScripts(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err != nil {
		var byFolder map[string][]string
		if err2 := json.Unmarshal(raw, &byFolder); err2 != nil {
			return nil, err
		}
		for _, ks := range byFolder {
			flat = append(flat, ks...)
		}
	}
	out := make([]string, 0, len(flat))
	for _, k := range flat {
		if isModule(k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (r *Response) check() error {
	if r.Status != StatusSuccess {
		return xerrors.Newf("remote status %q: %s", r.Status, r.Message)
	}
	return nil
}

// post sends body as JSON and decodes the answer into out.
func (c *HTTPClient) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(err, "encode request")
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "load credentials"), xerrors.ErrAuth)
	}

	status, data, err := c.do(ctx, op, payload, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.logger.Info(ctx, "credentials rejected, refreshing once", "op", op)
		if c.metrics != nil {
			c.metrics.IncAuthRefresh()
		}
		token, err = c.creds.Refresh(ctx)
		if err != nil {
			return xerrors.Mark(xerrors.Wrap(err, "refresh credentials"), xerrors.ErrAuth)
		}
		status, data, err = c.do(ctx, op, payload, token)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return xerrors.Markf(xerrors.ErrAuth, "%s: credentials rejected after refresh", op)
		}
	}

	switch {
	case status == http.StatusForbidden:
		return xerrors.Markf(xerrors.ErrAuth, "%s: forbidden", op)
	case status == http.StatusTooManyRequests:
		return xerrors.Markf(xerrors.ErrRateLimited, "%s: remote is throttling", op)
	case status >= 500:
		return xerrors.Markf(xerrors.ErrTransient, "%s: remote returned %d after retries", op, status)
	case status >= 400:
		// error bodies carry {status, message}; surface the message
		var e Response
		_ = json.Unmarshal(data, &e)
		return xerrors.Newf("%s: remote returned %d: %s", op, status, e.Message)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "%s: decode response", op), xerrors.ErrFormat)
	}
	return nil
}

// do performs one logical request, including transport retries.
func (c *HTTPClient) do(ctx context.Context, op string, payload []byte, token string) (int, []byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+op, payload)
	if err != nil {
		return 0, nil, xerrors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, xerrors.Mark(xerrors.Wrapf(err, "%s", op), xerrors.ErrTimeout)
		}
		if ctx.Err() != nil {
			return 0, nil, xerrors.Wrapf(ctx.Err(), "%s", op)
		}
		return 0, nil, xerrors.Mark(xerrors.Wrapf(err, "%s", op), xerrors.ErrTransient)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return 0, nil, xerrors.Mark(xerrors.Wrapf(err, "%s: read response", op), xerrors.ErrTransient)
	}
	if n > maxResponseBytes {
		return 0, nil, xerrors.Markf(xerrors.ErrFormat, "%s: response exceeds %d bytes", op, maxResponseBytes)
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (c *HTTPClient) count(op, result string) {
	if c.metrics != nil {
		c.metrics.IncRemoteRequest(op, result)
	}
}

// leveled adapts log.Logger to retryablehttp.LeveledLogger. Per-attempt
// failures are warnings; the caller logs the final outcome.
type leveled struct{ l log.Logger }

func (a leveled) Error(msg string, kv ...any) { a.l.Warn(context.Background(), msg, kv...) }
func (a leveled) Warn(msg string, kv ...any)  { a.l.Warn(context.Background(), msg, kv...) }
func (a leveled) Info(msg string, kv ...any)  { a.l.Debug(context.Background(), msg, kv...) }
func (a leveled) Debug(msg string, kv ...any) { a.l.Debug(context.Background(), msg, kv...) }
