// Package client implements the HTTP adapter for the remote InSAR
// processing service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
	"github.com/sentryal/insar-pipeline/internal/telemetry"
)

// Config controls the remote client.
type Config struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// Client calls the processing service over HTTP. It classifies failures as
// transient (retryable) or permanent so the scheduler can map them onto the
// job state machine.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	downloader *http.Client
	retry      *retryPolicy
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Minute
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		downloader: &http.Client{Timeout: downloadTimeout},
		retry:      newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger:     logger,
	}, nil
}

type submitRequest struct {
	JobID            string              `json:"job_id"`
	InfrastructureID string              `json:"infrastructure_id"`
	ReferenceGranule string              `json:"reference_granule"`
	SecondaryGranule string              `json:"secondary_granule"`
	ReferenceURL     string              `json:"reference_url,omitempty"`
	SecondaryURL     string              `json:"secondary_url,omitempty"`
	BBox             insar.BoundingBox   `json:"bbox"`
	Mode             string              `json:"mode,omitempty"`
	Points           []submitPoint       `json:"points"`
}

type submitPoint struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type submitResponse struct {
	RemoteJobID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type artifactListResponse struct {
	Artifacts []artifactDescriptor `json:"artifacts"`
}

type artifactDescriptor struct {
	Band     string `json:"band"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Submit sends the job to the processing service and returns the remote id.
func (c *Client) Submit(ctx context.Context, job insar.Job, points []insar.Point) (string, error) {
	body := submitRequest{
		JobID:            job.ID,
		InfrastructureID: job.InfrastructureID,
		ReferenceGranule: job.Parameters.ReferenceGranule,
		SecondaryGranule: job.Parameters.SecondaryGranule,
		ReferenceURL:     job.Parameters.ReferenceURL,
		SecondaryURL:     job.Parameters.SecondaryURL,
		BBox:             job.Parameters.BBox,
		Mode:             job.Parameters.Mode,
		Points:           make([]submitPoint, 0, len(points)),
	}
	for _, p := range points {
		body.Points = append(body.Points, submitPoint{ID: p.ID, Lat: p.Lat, Lon: p.Lon})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	var remoteID string
	err = c.retry.do(ctx, func() error {
		start := time.Now()
		defer func() { telemetry.ObserveRemoteCall("submit", time.Since(start)) }()

		var resp submitResponse
		if err := c.doJSON(ctx, http.MethodPost, c.endpoint+"/v1/jobs", payload, &resp); err != nil {
			return err
		}
		if resp.RemoteJobID == "" {
			return insar.Permanent("submit", fmt.Errorf("response missing job id"))
		}
		remoteID = resp.RemoteJobID
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("job submitted", zap.String("job_id", job.ID), zap.String("remote_job_id", remoteID))
	return remoteID, nil
}

// Status fetches the remote state of a submitted job.
func (c *Client) Status(ctx context.Context, remoteJobID string) (insar.RemoteStatus, error) {
	var status insar.RemoteStatus
	err := c.retry.do(ctx, func() error {
		start := time.Now()
		defer func() { telemetry.ObserveRemoteCall("status", time.Since(start)) }()

		var resp statusResponse
		url := fmt.Sprintf("%s/v1/jobs/%s", c.endpoint, remoteJobID)
		if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
			return err
		}
		mapped, err := mapRemoteStatus(resp.Status)
		if err != nil {
			return err
		}
		status = mapped
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// DownloadArtifacts lists and fetches the band files for a finished job.
func (c *Client) DownloadArtifacts(ctx context.Context, remoteJobID string) ([]insar.Artifact, error) {
	var list artifactListResponse
	err := c.retry.do(ctx, func() error {
		start := time.Now()
		defer func() { telemetry.ObserveRemoteCall("artifacts", time.Since(start)) }()

		url := fmt.Sprintf("%s/v1/jobs/%s/artifacts", c.endpoint, remoteJobID)
		return c.doJSON(ctx, http.MethodGet, url, nil, &list)
	})
	if err != nil {
		return nil, err
	}

	artifacts := make([]insar.Artifact, 0, len(list.Artifacts))
	for _, desc := range list.Artifacts {
		kind, err := mapBand(desc.Band)
		if err != nil {
			return nil, err
		}
		data, err := c.fetchFile(ctx, desc.URL)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, insar.Artifact{
			Kind:     kind,
			Filename: desc.Filename,
			Data:     data,
		})
	}
	return artifacts, nil
}

func (c *Client) fetchFile(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := c.retry.do(ctx, func() error {
		start := time.Now()
		defer func() { telemetry.ObserveRemoteCall("download", time.Since(start)) }()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return insar.Permanent("download", err)
		}
		c.authorize(req)
		resp, err := c.downloader.Do(req)
		if err != nil {
			return insar.Transient("download", err)
		}
		defer closeBody(resp.Body, c.logger)
		if err := classifyStatus("download", resp.StatusCode); err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return insar.Transient("download", fmt.Errorf("read body: %w", err))
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return insar.Permanent("request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return insar.Transient("request", err)
	}
	defer closeBody(resp.Body, c.logger)

	if err := classifyStatus("request", resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return insar.Transient("request", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyStatus maps HTTP codes onto the error taxonomy: 5xx and 429 are
// retryable, other 4xx mean the service rejected the request outright.
func classifyStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return insar.Transient(op, fmt.Errorf("remote returned %d", code))
	default:
		return insar.Permanent(op, fmt.Errorf("remote returned %d", code))
	}
}

func mapRemoteStatus(s string) (insar.RemoteStatus, error) {
	switch strings.ToUpper(s) {
	case string(insar.RemotePending), "QUEUED", "IN_QUEUE":
		return insar.RemotePending, nil
	case string(insar.RemoteRunning), "PROCESSING", "IN_PROGRESS":
		return insar.RemoteRunning, nil
	case string(insar.RemoteSucceeded), "COMPLETED", "SUCCESS":
		return insar.RemoteSucceeded, nil
	case string(insar.RemoteFailed), "ERROR":
		return insar.RemoteFailed, nil
	default:
		return "", insar.Transient("status", fmt.Errorf("unknown remote status %q", s))
	}
}

func mapBand(s string) (insar.BandKind, error) {
	switch strings.ToLower(s) {
	case string(insar.BandVertical), "displacement_vertical":
		return insar.BandVertical, nil
	case string(insar.BandLOS), "displacement", "displacement_los":
		return insar.BandLOS, nil
	case string(insar.BandCoherence):
		return insar.BandCoherence, nil
	default:
		return "", insar.Permanent("artifacts", fmt.Errorf("unknown band %q", s))
	}
}

func closeBody(body io.Closer, logger *zap.Logger) {
	if err := body.Close(); err != nil {
		logger.Warn("close response body", zap.Error(err))
	}
}
