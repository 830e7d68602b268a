package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/metrics"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// translateFunc maps a non-2xx response to an error.
type translateFunc func(status int, body []byte) error

// authorizeFunc signs a request before it is sent. form holds the POST body
// parameters, which some signature schemes cover.
type authorizeFunc func(req *http.Request, form url.Values) error

// apiClient is the shared HTTP plumbing used by every network client.
type apiClient struct {
	network   model.Network
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter                     // nil = unthrottled
	breaker   *gobreaker.CircuitBreaker[[]byte] // nil = no breaker
	authorize authorizeFunc                     // nil = transport handles auth
	translate translateFunc
}

func (c *apiClient) get(ctx context.Context, path string, q url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

func (c *apiClient) post(ctx context.Context, path string, form url.Values, out any) error {
	body, err := c.do(ctx, http.MethodPost, path, nil, form)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return c.decode(body, out)
}

func (c *apiClient) decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.network, err)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, q, form url.Values) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.transportErr(ctx, err)
		}
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.network, err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.authorize != nil {
		if err := c.authorize(req, form); err != nil {
			return nil, fmt.Errorf("%s: sign request: %w", c.network, err)
		}
	}

	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}
	resp, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordNetworkRequest(string(c.network), "breaker_open")
		return nil, fmt.Errorf("%s: %w: %v", c.network, ErrTransient, err)
	}
	return resp, err
}

func (c *apiClient) roundTrip(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordNetworkRequest(string(c.network), "error")
		return nil, c.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordNetworkRequest(string(c.network), "error")
		return nil, c.transportErr(ctx, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := c.translate(resp.StatusCode, body)
		result := "error"
		if errors.Is(apiErr, ErrRateLimited) {
			result = "rate_limited"
		}
		metrics.RecordNetworkRequest(string(c.network), result)
		return nil, apiErr
	}
	metrics.RecordNetworkRequest(string(c.network), "success")
	return body, nil
}

// transportErr classifies a failure that happened below the HTTP layer.
func (c *apiClient) transportErr(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", c.network, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", c.network, ErrTransient, err)
}

// statusKind is the fallback classification used when a provider body does
// not identify the error.
func statusKind(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized:
		return ErrAccessTokenInvalid
	case status == http.StatusForbidden:
		return ErrActionNotAllowed
	case status >= 500:
		return ErrTransient
	default:
		return nil
	}
}
