// Package backend calls the ranking and recommendation systems under evaluation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/knoguchi/livelab/internal/repository"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultPort is the port systems listen on when no direct URL is configured.
	DefaultPort = 5000

	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 3 * time.Second

	// maxPayloadBytes caps how much of a backend response is read.
	maxPayloadBytes = 16 << 20
)

// ErrBackendStatus is returned when a system answers with a non-2xx status.
var ErrBackendStatus = errors.New("backend returned error status")

// Config holds configuration for the backend client.
type Config struct {
	// Port is used to build http://<name>:<port> for systems without a URL (default: 5000).
	Port int

	// Timeout bounds each call (default: 3s).
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Client issues GET /ranking and GET /recommendation calls.
type Client struct {
	port    int
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a backend client with the given configuration.
func NewClient(cfg Config) *Client {
	port := cfg.Port
	if port <= 0 {
		port = DefaultPort
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		port:    port,
		timeout: timeout,
		client:  client,
	}
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Endpoint returns the URL a system is called at for role.
func (c *Client) Endpoint(sys *repository.System) string {
	base := strings.TrimSuffix(sys.URL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", sys.Name, c.port)
	}
	return base + "/" + string(sys.Role)
}

// Fetch requests one page of results from sys and returns the raw JSON body.
// The call is abandoned once the timeout elapses.
func (c *Client) Fetch(ctx context.Context, sys *repository.System, query string, page, rpp int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	queryKey := "query"
	if sys.Role == repository.RoleRecommendation {
		queryKey = "item_id"
	}
	params := url.Values{}
	params.Set(queryKey, query)
	params.Set("rpp", strconv.Itoa(rpp))
	params.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(sys)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w (status %d): %s", ErrBackendStatus, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// Outcome labels used when reporting a failed call.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

// Classify maps a Fetch error to an outcome label.
func Classify(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeError
}
