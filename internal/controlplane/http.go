package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 512

// HTTPClient calls a Pterodactyl-style application API with a bearer key.
// Outgoing calls are rate limited so a burst of lifecycle actions cannot
// trip the panel's own throttling.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	eggID   int
	image   string
	startup string
}

// NewHTTPClient creates a new HTTPClient from configuration.
func NewHTTPClient(cfg *config.ControlPlaneConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		eggID:   cfg.DefaultEggID,
		image:   cfg.DefaultImage,
		startup: cfg.DefaultStartup,
	}
}

type createServerBody struct {
	ExternalID    string            `json:"external_id"`
	Name          string            `json:"name"`
	User          int64             `json:"user"`
	Node          int64             `json:"node"`
	Egg           int               `json:"egg"`
	DockerImage   string            `json:"docker_image,omitempty"`
	Startup       string            `json:"startup,omitempty"`
	Environment   map[string]string `json:"environment"`
	Limits        limits            `json:"limits"`
	FeatureLimits featureLimits     `json:"feature_limits"`
}

type limits struct {
	Memory int64 `json:"memory"` // MB
	Swap   int64 `json:"swap"`
	Disk   int64 `json:"disk"` // MB
	IO     int64 `json:"io"`
	CPU    int64 `json:"cpu"`
}

type featureLimits struct {
	Databases   int `json:"databases"`
	Backups     int `json:"backups"`
	Allocations int `json:"allocations"`
}

type serverResponse struct {
	Attributes struct {
		ID         int64  `json:"id"`
		Identifier string `json:"identifier"`
		Status     string `json:"status"`
	} `json:"attributes"`
}

// CreateInstance provisions a server and returns its remote identifier.
func (c *HTTPClient) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	body := createServerBody{
		ExternalID:  req.ServerID,
		Name:        req.Name,
		User:        req.AccountID,
		Node:        req.NodeID,
		Egg:         c.eggID,
		DockerImage: c.image,
		Startup:     c.startup,
		Environment: map[string]string{},
		Limits: limits{
			Memory: req.RAM * 1024,
			Disk:   req.Disk * 1024,
			IO:     500,
			CPU:    req.CPU,
		},
		FeatureLimits: featureLimits{Allocations: 1},
	}

	var resp serverResponse
	if err := c.do(ctx, http.MethodPost, "/api/application/servers", body, &resp); err != nil {
		return nil, err
	}

	remoteID := resp.Attributes.Identifier
	if remoteID == "" && resp.Attributes.ID != 0 {
		remoteID = fmt.Sprint(resp.Attributes.ID)
	}
	if remoteID == "" {
		return nil, fmt.Errorf("control plane returned no server identifier: %w", apperr.ErrRemoteActionFailed)
	}

	return &Instance{RemoteID: remoteID, Status: remoteStatus(resp.Attributes.Status)}, nil
}

// remoteStatus maps the panel's status string to a local status. A freshly
// created server is installing and not yet running.
func remoteStatus(s string) model.ServerStatus {
	switch s {
	case "running", "starting":
		return model.ServerOnline
	default:
		return model.ServerOffline
	}
}

// SetPower sends a power signal.
func (c *HTTPClient) SetPower(ctx context.Context, remoteID string, signal PowerSignal) error {
	body := map[string]string{"signal": string(signal)}
	return c.do(ctx, http.MethodPost, "/api/client/servers/"+remoteID+"/power", body, nil)
}

// DeleteInstance removes a server. A server that is already gone counts as deleted.
func (c *HTTPClient) DeleteInstance(ctx context.Context, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/application/servers/"+remoteID, nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		log.Info().Str("remote_id", remoteID).Msg("Remote server already gone")
		return nil
	}
	return err
}

type statusError struct {
	method string
	path   string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("control plane %s %s returned %d: %s", e.method, e.path, e.code, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("control plane rate limit wait: %w: %w", apperr.ErrRemoteActionFailed, err)
	}

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w: %w", apperr.ErrRemoteActionFailed, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w: %w", apperr.ErrRemoteActionFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane %s %s: %w: %w", method, path, apperr.ErrRemoteActionFailed, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Control plane call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &statusError{method: method, path: path, code: resp.StatusCode, body: string(snippet)}
		return fmt.Errorf("%w: %w", apperr.ErrRemoteActionFailed, se)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode control plane response: %w: %w", apperr.ErrRemoteActionFailed, err)
	}
	return nil
}
