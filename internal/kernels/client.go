package kernels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/resilience"
)

var (
	// ErrSessionNotFound reports a session the server no longer knows.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized reports a rejected token.
	ErrUnauthorized = errors.New("server rejected token")

	// ErrStartRejected reports a server that refused to start a session.
	ErrStartRejected = errors.New("server rejected session start")
)

// Client speaks the session REST API of one compute server.
type Client struct {
	conn    Connection
	http    *resty.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
	logger  *logging.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(timeout) }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// NewClient builds a client for the given connection. Requests retry on
// transport errors and trip a per-server circuit breaker when the server
// stays unreachable.
func NewClient(conn Connection, opts ...Option) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	httpClient := resty.New().
		SetBaseURL(conn.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("User-Agent", "stoker/1.0")
	httpClient.SetTransport(retryClient.HTTPClient.Transport)

	if header := conn.AuthHeader(); header != "" {
		httpClient.SetHeader("Authorization", header)
	}

	c := &Client{
		conn: conn,
		http: httpClient,
		breaker: resilience.New("kernel:"+conn.Host(), resilience.Settings{
			MaxRequests: 2,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 4
			},
		}),
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  logging.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connection returns the connection this client serves.
func (c *Client) Connection() Connection {
	return c.conn
}

// BreakerState exposes the circuit breaker state for the status API.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// ListKinds fetches the server's session kind inventory. Doubles as the
// cheapest liveness probe a server offers.
func (c *Client) ListKinds(ctx context.Context) (*KindList, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var kinds KindList
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return req.SetResult(&kinds).Get("/api/kinds")
	})
	if err != nil {
		return nil, fmt.Errorf("list kinds: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("list kinds: %w", err)
	}
	return &kinds, nil
}

// StartSession asks the server to start a session and returns its model.
func (c *Client) StartSession(ctx context.Context, spec StartSpec) (*Session, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var session Session
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return req.SetBody(spec).SetResult(&session).Post("/api/sessions")
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("start session: %w: %s", ErrStartRejected, strings.TrimSpace(resp.String()))
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	c.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("kind", session.Kind.Name))
	return &session, nil
}

// GetSession fetches one session's model. ErrSessionNotFound means the
// server is reachable but the session is gone.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var session Session
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return req.SetResult(&session).Get("/api/sessions/" + sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions fetches every session the server is running.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var sessions []Session
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return req.SetResult(&sessions).Get("/api/sessions")
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Shutdown stops a session. Missing sessions shut down cleanly: the goal
// state is "gone" either way.
func (c *Client) Shutdown(ctx context.Context, sessionID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return req.Delete("/api/sessions/" + sessionID)
	})
	if err != nil {
		return fmt.Errorf("shutdown session: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if err := c.checkStatus(resp); err != nil {
		return fmt.Errorf("shutdown session %s: %w", sessionID, err)
	}
	return nil
}

// request prepares a context-bound request behind the limiter and breaker.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if c.breaker.State() == resilience.StateOpen {
		return nil, resilience.ErrCircuitOpen
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.http.R().SetContext(ctx), nil
}

// checkStatus maps HTTP status codes onto the package's error values.
func (c *Client) checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode() == http.StatusUnauthorized,
		resp.StatusCode() == http.StatusForbidden:
		return ErrUnauthorized
	case resp.IsError():
		return fmt.Errorf("server returned %s", resp.Status())
	}
	return nil
}
