// Package egress provides the thin control-API client for the distribution
// service that composites a room's tracks and restreams them to a CDN-backed
// playback endpoint.
package egress

import (
	"context"
	"strings"
)

// Endpoint identifies a provisioned distribution endpoint and its playback
// handle.
type Endpoint struct {
	ID           string `json:"id"`
	PlaybackID   string `json:"playbackId"`
	StreamTarget string `json:"streamTarget,omitempty"`
}

// Job is one running restream instance for a specific room.
type Job struct {
	ID       string `json:"jobId"`
	RoomName string `json:"roomName"`
	Status   string `json:"status"`
}

// Active reports whether the job is running or about to run.
func (j Job) Active() bool {
	switch strings.ToLower(j.Status) {
	case "active", "starting":
		return true
	default:
		return false
	}
}

// JobOptions selects the composite layout and output tier for a restream.
type JobOptions struct {
	Layout     string `json:"layout,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Client is the narrow contract held against the distribution service.
// StopRestream is idempotent: stopping an already-finished job is not an
// error.
type Client interface {
	CreateEndpoint(ctx context.Context, name string) (Endpoint, error)
	DeleteEndpoint(ctx context.Context, endpointID string) error
	StartRestream(ctx context.Context, roomName, targetURL string, opts JobOptions) (Job, error)
	StopRestream(ctx context.Context, jobID string) error
	ListActive(ctx context.Context, roomName string) ([]Job, error)
}
