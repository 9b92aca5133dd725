// Package remote is the client side of the aggregation server that collects
// sessions, feedback and shown results from living-lab sites.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knoguchi/livelab/internal/auth"
	"github.com/knoguchi/livelab/internal/repository"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// TokenRefreshMargin is how long before expiry a token is renewed.
	TokenRefreshMargin = 5 * time.Minute

	// DefaultTokenLifetime applies when neither the response nor the token states an expiry.
	DefaultTokenLifetime = time.Hour

	// TimeLayout is the timestamp format the aggregation server expects.
	TimeLayout = "2006-01-02 15:04:05"
)

// ErrRemoteStatus is returned when the aggregation server answers with a non-2xx status.
var ErrRemoteStatus = errors.New("remote server returned error status")

// ID is a remote identifier. The server sends ids as numbers or strings.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid remote id %s", data)
	}
	*id = ID(n.String())
	return nil
}

// Client talks to the aggregation server.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithBaseURL sets the API root, e.g. http://server/stella/api/v1.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithCredentials sets the site account used to obtain tokens.
func WithCredentials(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates an aggregation server client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Token      string   `json:"token"`
	Expiration *float64 `json:"expiration"` // seconds from now
}

// Token returns a bearer token, renewing it when absent or close to expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && !auth.ExpiresWithin(c.expiry, now, TokenRefreshMargin) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokens", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)

	var out tokenResponse
	if err := c.send(req, &out); err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("failed to obtain token: empty token in response")
	}

	expiry := now.Add(DefaultTokenLifetime)
	if out.Expiration != nil {
		expiry = now.Add(time.Duration(*out.Expiration * float64(time.Second)))
	} else if exp, err := auth.TokenExpiry(out.Token); err == nil {
		expiry = exp
	}

	c.token = out.Token
	c.expiry = expiry
	return c.token, nil
}

// SiteID resolves the remote id of the site account username.
func (c *Client) SiteID(ctx context.Context, username string) (ID, error) {
	var out struct {
		ID ID `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/sites/"+url.PathEscape(username), nil, &out); err != nil {
		return "", fmt.Errorf("failed to get site id: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("failed to get site id: empty id in response")
	}
	return out.ID, nil
}

// SystemID resolves the remote id of a system by name.
func (c *Client) SystemID(ctx context.Context, name string) (ID, error) {
	var out struct {
		SystemID ID `json:"system_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/system/id/"+url.PathEscape(name), nil, &out); err != nil {
		return "", fmt.Errorf("failed to get system id for %s: %w", name, err)
	}
	return out.SystemID, nil
}

// SessionRecord is a session as the aggregation server stores it.
type SessionRecord struct {
	SiteUser             string
	Start                time.Time
	End                  time.Time
	SystemRanking        string
	SystemRecommendation string
}

// CreateSession registers a session under the site and returns its remote id.
func (c *Client) CreateSession(ctx context.Context, siteID ID, s SessionRecord) (ID, error) {
	form := url.Values{}
	form.Set("site_user", s.SiteUser)
	form.Set("start", s.Start.UTC().Format(TimeLayout))
	form.Set("end", s.End.UTC().Format(TimeLayout))
	if s.SystemRanking != "" {
		form.Set("system_ranking", s.SystemRanking)
	}
	if s.SystemRecommendation != "" {
		form.Set("system_recommendation", s.SystemRecommendation)
	}

	var out struct {
		SessionID ID `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sites/"+url.PathEscape(string(siteID))+"/sessions", form, &out); err != nil {
		return "", fmt.Errorf("failed to create remote session: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("failed to create remote session: empty id in response")
	}
	return out.SessionID, nil
}

// FeedbackRecord is one feedback as the aggregation server stores it.
type FeedbackRecord struct {
	Start      time.Time
	End        time.Time
	Interleave bool
	Clicks     []byte
}

// CreateFeedback registers feedback under a remote session and returns its remote id.
func (c *Client) CreateFeedback(ctx context.Context, sessionID ID, f FeedbackRecord) (ID, error) {
	form := url.Values{}
	form.Set("start", f.Start.UTC().Format(TimeLayout))
	form.Set("end", f.End.UTC().Format(TimeLayout))
	form.Set("interleave", strconv.FormatBool(f.Interleave))
	form.Set("clicks", string(f.Clicks))

	var out struct {
		FeedbackID ID `json:"feedback_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(string(sessionID))+"/feedbacks", form, &out); err != nil {
		return "", fmt.Errorf("failed to create remote feedback: %w", err)
	}
	if out.FeedbackID == "" {
		return "", errors.New("failed to create remote feedback: empty id in response")
	}
	return out.FeedbackID, nil
}

// ResultRecord is one shown result list as the aggregation server stores it.
type ResultRecord struct {
	Role     repository.Role
	Query    string
	IssuedAt time.Time
	Latency  time.Duration
	SystemID ID
	NumFound int
	Page     int
	RPP      int
	Items    repository.Items
}

// PostResult attaches a ranking or recommendation to a remote feedback.
func (c *Client) PostResult(ctx context.Context, feedbackID ID, r ResultRecord) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	form := url.Values{}
	form.Set("q", r.Query)
	form.Set("q_date", r.IssuedAt.UTC().Format(TimeLayout))
	form.Set("q_time", strconv.FormatInt(r.Latency.Milliseconds(), 10))
	form.Set("system_id", string(r.SystemID))
	form.Set("num_found", strconv.Itoa(r.NumFound))
	form.Set("page", strconv.Itoa(r.Page))
	form.Set("rpp", strconv.Itoa(r.RPP))
	form.Set("items", string(items))

	kind := "rankings"
	if r.Role == repository.RoleRecommendation {
		kind = "recommendations"
	}
	path := "/feedbacks/" + url.PathEscape(string(feedbackID)) + "/" + kind
	if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
		return fmt.Errorf("failed to post %s: %w", kind, err)
	}
	return nil
}

// do sends an authenticated request and decodes the JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w (status %d): %s", ErrRemoteStatus, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
