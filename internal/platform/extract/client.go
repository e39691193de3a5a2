package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"

	"gradeflow/internal/pipeline"
)

// ErrServiceUnavailable marks a failed call to the extraction service.
var ErrServiceUnavailable = errors.New("extraction service unavailable")

// ServiceClient calls the remote extraction service for document formats
// local extraction cannot parse, and for the optional image enhancement
// and region detection refinements. It implements pipeline.TextExtractor,
// pipeline.ImageEnhancer and pipeline.RegionDetector.
type ServiceClient struct {
	client *resty.Client
}

// NewServiceClient creates a client for the extraction service at baseURL.
func NewServiceClient(baseURL string, timeout time.Duration) *ServiceClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)

	return &ServiceClient{client: client}
}

type extractRequest struct {
	Ref string `json:"ref"`
}

type extractResponse struct {
	Text string `json:"text"`
}

// Extract implements pipeline.TextExtractor over the remote service.
func (c *ServiceClient) Extract(ctx context.Context, ref string) (string, error) {
	var out extractResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(extractRequest{Ref: ref}).
		SetResult(&out).
		Post("/api/extract")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("%w: status %d: %s",
			ErrServiceUnavailable, resp.StatusCode(), resp.String())
	}

	return out.Text, nil
}

type enhanceResponse struct {
	Ref string `json:"ref"`
}

// Enhance implements pipeline.ImageEnhancer over the remote service. The
// returned reference names the enhanced image.
func (c *ServiceClient) Enhance(ctx context.Context, ref string) (string, error) {
	var out enhanceResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(extractRequest{Ref: ref}).
		SetResult(&out).
		Post("/api/enhance")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("%w: status %d: %s",
			ErrServiceUnavailable, resp.StatusCode(), resp.String())
	}
	if out.Ref == "" {
		return "", fmt.Errorf("%w: empty enhanced reference", ErrServiceUnavailable)
	}

	return out.Ref, nil
}

type regionsResponse struct {
	Regions []pipeline.Region `json:"regions"`
}

// Detect implements pipeline.RegionDetector over the remote service.
func (c *ServiceClient) Detect(ctx context.Context, ref string) ([]pipeline.Region, error) {
	var out regionsResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(extractRequest{Ref: ref}).
		SetResult(&out).
		Post("/api/regions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: status %d: %s",
			ErrServiceUnavailable, resp.StatusCode(), resp.String())
	}

	return out.Regions, nil
}

var (
	_ pipeline.TextExtractor  = (*ServiceClient)(nil)
	_ pipeline.ImageEnhancer  = (*ServiceClient)(nil)
	_ pipeline.RegionDetector = (*ServiceClient)(nil)
)
