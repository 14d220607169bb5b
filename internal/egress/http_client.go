package egress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stagecast/internal/httpretry"
)

type httpClient struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewHTTPClient constructs a Client speaking to the distribution service
// control API with bearer-token auth and bounded retries.
func NewHTTPClient(baseURL, token string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &httpClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

func (c *httpClient) options() httpretry.Options {
	return httpretry.Options{
		Client:      c.client,
		Logger:      c.logger,
		MaxAttempts: c.maxAttempts,
		Interval:    c.retryInterval,
		Mutate: func(req *http.Request) {
			httpretry.SetBearer(req, c.token)
		},
	}
}

type createEndpointRequest struct {
	Name string `json:"name"`
}

type startRestreamRequest struct {
	RoomName   string `json:"roomName"`
	TargetURL  string `json:"targetUrl"`
	Layout     string `json:"layout,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type listActiveResponse struct {
	Jobs []Job `json:"jobs"`
}

func (c *httpClient) CreateEndpoint(ctx context.Context, name string) (Endpoint, error) {
	var endpoint Endpoint
	if err := httpretry.PostJSON(ctx, fmt.Sprintf("%s/v1/endpoints", c.baseURL), createEndpointRequest{Name: name}, &endpoint, c.options()); err != nil {
		return Endpoint{}, fmt.Errorf("create endpoint %s: %w", name, err)
	}
	return endpoint, nil
}

func (c *httpClient) DeleteEndpoint(ctx context.Context, endpointID string) error {
	err := httpretry.Delete(ctx, fmt.Sprintf("%s/v1/endpoints/%s", c.baseURL, url.PathEscape(endpointID)), c.options())
	if err != nil && !httpretry.IsNotFound(err) {
		return fmt.Errorf("delete endpoint %s: %w", endpointID, err)
	}
	return nil
}

func (c *httpClient) StartRestream(ctx context.Context, roomName, targetURL string, opts JobOptions) (Job, error) {
	payload := startRestreamRequest{
		RoomName:   roomName,
		TargetURL:  targetURL,
		Layout:     opts.Layout,
		Bitrate:    opts.Bitrate,
		Resolution: opts.Resolution,
	}
	var job Job
	if err := httpretry.PostJSON(ctx, fmt.Sprintf("%s/v1/restreams", c.baseURL), payload, &job, c.options()); err != nil {
		return Job{}, fmt.Errorf("start restream for %s: %w", roomName, err)
	}
	return job, nil
}

func (c *httpClient) StopRestream(ctx context.Context, jobID string) error {
	err := httpretry.Delete(ctx, fmt.Sprintf("%s/v1/restreams/%s", c.baseURL, url.PathEscape(jobID)), c.options())
	if err != nil && !httpretry.IsNotFound(err) {
		return fmt.Errorf("stop restream %s: %w", jobID, err)
	}
	return nil
}

func (c *httpClient) ListActive(ctx context.Context, roomName string) ([]Job, error) {
	endpoint := fmt.Sprintf("%s/v1/restreams?status=active", c.baseURL)
	if roomName != "" {
		endpoint += "&room=" + url.QueryEscape(roomName)
	}
	var response listActiveResponse
	if err := httpretry.GetJSON(ctx, endpoint, &response, c.options()); err != nil {
		return nil, fmt.Errorf("list active restreams: %w", err)
	}
	return response.Jobs, nil
}
