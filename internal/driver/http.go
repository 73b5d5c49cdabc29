package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/task"
)

// maxBodyBytes caps how much of a response body is kept for the caller.
const maxBodyBytes = 8 << 20

// HTTPDriver executes HTTP requests against the configured API.
type HTTPDriver struct {
	client  *http.Client
	base    *url.URL
	timeout time.Duration
	agent   string
	headers map[string]string
}

// NewHTTPDriver creates an HTTPDriver with a shared transport.
func NewHTTPDriver(cfg config.APIConfig) (*HTTPDriver, error) {
	d := &HTTPDriver{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: time.Duration(cfg.TimeoutS) * time.Second,
		agent:   cfg.UserAgent,
		headers: cfg.Headers,
	}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Second
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		d.base = u
	}
	return d, nil
}

// Execute performs the HTTP request described by t. Non-2xx responses are
// returned with both Response and a *TransportError set.
func (d *HTTPDriver) Execute(ctx context.Context, t task.Task) task.Result {
	target, err := d.resolve(t.URL)
	if err != nil {
		return task.Result{Task: t, Error: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var bodyReader io.Reader
	if t.Body != "" {
		bodyReader = strings.NewReader(t.Body)
	}

	method := t.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, bodyReader)
	if err != nil {
		return task.Result{Task: t, Error: fmt.Errorf("creating request: %w", err)}
	}

	if d.agent != "" {
		req.Header.Set("User-Agent", d.agent)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return task.Result{Task: t, Duration: time.Since(start), Error: &TransportError{Err: err}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)

	res := task.Result{
		Task:     t,
		Duration: elapsed,
		Response: &task.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body},
	}
	switch {
	case err != nil:
		res.Error = &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		res.Error = &TransportError{StatusCode: resp.StatusCode}
	}
	return res
}

func (d *HTTPDriver) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if d.base == nil {
		return "", fmt.Errorf("relative url %q without base url", raw)
	}
	return d.base.ResolveReference(u).String(), nil
}
