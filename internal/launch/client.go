// Package launch provisions compute servers through an image launch
// service. Submitting a spec yields a launch ID; the service builds and
// boots the image while the client polls until the launch reports ready
// or failed.
package launch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/monitoring"
	"github.com/stokehold/stoker/internal/infrastructure/resilience"
	"github.com/stokehold/stoker/internal/kernels"
)

// ErrProvisionFailed reports a launch that will never produce a server:
// the build failed, the service rejected the spec, or polling timed out.
var ErrProvisionFailed = errors.New("image provisioning failed")

// Launch phases reported by the service.
const (
	PhaseQueued   = "queued"
	PhaseBuilding = "building"
	PhaseReady    = "ready"
	PhaseFailed   = "failed"
)

// ImageSpec describes what to provision.
type ImageSpec struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
}

// Config holds client settings. Provider selects the backend the launch
// service should use (docker, firecracker, ...).
type Config struct {
	BaseURL      string
	Provider     string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type launchRequest struct {
	Provider string    `json:"provider"`
	Spec     ImageSpec `json:"spec"`
}

// Status is one poll observation of a launch.
type Status struct {
	ID      string `json:"id"`
	Phase   string `json:"phase"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client submits launches and polls them to completion.
type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *resilience.Breaker
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// Option adjusts client construction.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient builds a launch client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Minute
	}
	if cfg.Provider == "" {
		cfg.Provider = "docker"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(20 * time.Second).
		SetHeader("User-Agent", "stoker/1.0")
	httpClient.SetTransport(retryClient.HTTPClient.Transport)

	c := &Client{
		cfg:  cfg,
		http: httpClient,
		breaker: resilience.New("launch", resilience.Settings{
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logging.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Launch submits the spec and polls until the server is ready, then
// derives its connection. The context and the configured poll timeout
// both bound the wait.
func (c *Client) Launch(ctx context.Context, spec ImageSpec) (kernels.Connection, error) {
	started := time.Now()

	status, err := c.submit(ctx, spec)
	if err != nil {
		c.observe(PhaseFailed, started)
		return kernels.Connection{}, err
	}

	c.logger.Info("launch submitted",
		zap.String("launch_id", status.ID),
		zap.String("image", spec.Image))

	final, err := c.await(ctx, status, started)
	if err != nil {
		return kernels.Connection{}, err
	}

	conn, err := kernels.Derive(final.URL, final.Token)
	if err != nil {
		c.observe(PhaseFailed, started)
		return kernels.Connection{}, fmt.Errorf("%w: service returned unusable url: %v", ErrProvisionFailed, err)
	}

	c.observe(PhaseReady, started)
	c.logger.Info("launch ready",
		zap.String("launch_id", final.ID),
		zap.String("server", conn.Redacted()),
		zap.Duration("took", time.Since(started)))
	return conn, nil
}

// submit posts the launch request.
func (c *Client) submit(ctx context.Context, spec ImageSpec) (Status, error) {
	var status Status
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(launchRequest{Provider: c.cfg.Provider, Spec: spec}).
			SetResult(&status).
			Post("/api/launch")
	})
	if err != nil {
		return Status{}, fmt.Errorf("submit launch: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnprocessableEntity || resp.StatusCode() == http.StatusBadRequest {
			return Status{}, fmt.Errorf("%w: service rejected spec: %s", ErrProvisionFailed, resp.Status())
		}
		return Status{}, fmt.Errorf("submit launch: service returned %s", resp.Status())
	}
	if status.ID == "" {
		return Status{}, fmt.Errorf("submit launch: service returned no launch id")
	}
	return status, nil
}

// await polls the launch until it leaves the queued/building phases.
func (c *Client) await(ctx context.Context, status Status, started time.Time) (Status, error) {
	deadline := time.NewTimer(c.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	current := status
	for {
		switch current.Phase {
		case PhaseReady:
			return current, nil
		case PhaseFailed:
			c.observe(PhaseFailed, started)
			return Status{}, fmt.Errorf("%w: %s", ErrProvisionFailed, failureMessage(current))
		case PhaseQueued, PhaseBuilding, "":
			// keep polling
		default:
			c.observe(PhaseFailed, started)
			return Status{}, fmt.Errorf("%w: unknown phase %q", ErrProvisionFailed, current.Phase)
		}

		select {
		case <-ctx.Done():
			return Status{}, fmt.Errorf("%w: %v", ErrProvisionFailed, ctx.Err())
		case <-deadline.C:
			c.observe("timeout", started)
			return Status{}, fmt.Errorf("%w: not ready after %s", ErrProvisionFailed, c.cfg.PollTimeout)
		case <-ticker.C:
		}

		next, err := c.poll(ctx, current.ID)
		if err != nil {
			// Transient poll errors don't doom the launch; the deadline
			// bounds how long we keep trying.
			c.logger.Warn("launch poll failed", zap.String("launch_id", current.ID), zap.Error(err))
			continue
		}
		current = next
	}
}

// poll fetches the current status of a launch.
func (c *Client) poll(ctx context.Context, launchID string) (Status, error) {
	var status Status
	resp, err := resilience.Do(c.breaker, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&status).
			Get("/api/launch/" + launchID)
	})
	if err != nil {
		return Status{}, err
	}
	if resp.IsError() {
		return Status{}, fmt.Errorf("service returned %s", resp.Status())
	}
	return status, nil
}

func (c *Client) observe(outcome string, started time.Time) {
	if c.metrics != nil {
		c.metrics.RecordLaunch(outcome, time.Since(started))
	}
}

func failureMessage(s Status) string {
	if s.Message != "" {
		return s.Message
	}
	return "launch " + s.ID + " failed"
}
