package mediaroom

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

// NewHTTPClient constructs a Client speaking to the room service control API
// with bearer-token auth and bounded retries.
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

type createRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
}

type issueTokenRequest struct {
	Identity     string `json:"identity"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

type listParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}

func (c *httpClient) CreateRoom(ctx context.Context, name string, maxParticipants int) (Room, error) {
	payload := createRoomRequest{Name: name, MaxParticipants: maxParticipants}
	var room Room
	if err := httpretry.PostJSON(ctx, fmt.Sprintf("%s/v1/rooms", c.baseURL), payload, &room, c.options()); err != nil {
		return Room{}, fmt.Errorf("create room %s: %w", name, err)
	}
	return room, nil
}

func (c *httpClient) DeleteRoom(ctx context.Context, name string) error {
	err := httpretry.Delete(ctx, fmt.Sprintf("%s/v1/rooms/%s", c.baseURL, url.PathEscape(name)), c.options())
	if err != nil && !httpretry.IsNotFound(err) {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	return nil
}

func (c *httpClient) ListParticipants(ctx context.Context, roomName string) ([]Participant, error) {
	var response listParticipantsResponse
	if err := httpretry.GetJSON(ctx, fmt.Sprintf("%s/v1/rooms/%s/participants", c.baseURL, url.PathEscape(roomName)), &response, c.options()); err != nil {
		return nil, fmt.Errorf("list participants for %s: %w", roomName, err)
	}
	return response.Participants, nil
}

func (c *httpClient) IssueToken(ctx context.Context, roomName, identity string, canPublish, canSubscribe bool) (string, error) {
	payload := issueTokenRequest{Identity: identity, CanPublish: canPublish, CanSubscribe: canSubscribe}
	var response issueTokenResponse
	if err := httpretry.PostJSON(ctx, fmt.Sprintf("%s/v1/rooms/%s/tokens", c.baseURL, url.PathEscape(roomName)), payload, &response, c.options()); err != nil {
		return "", fmt.Errorf("issue token for %s: %w", roomName, err)
	}
	return response.Token, nil
}

func (c *httpClient) RoomDebugInfo(ctx context.Context, roomName string) (DebugInfo, error) {
	var info DebugInfo
	if err := httpretry.GetJSON(ctx, fmt.Sprintf("%s/v1/rooms/%s/debug", c.baseURL, url.PathEscape(roomName)), &info, c.options()); err != nil {
		return DebugInfo{}, fmt.Errorf("room debug info for %s: %w", roomName, err)
	}
	return info, nil
}
