package labhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

// Client talks to the lab software running on one worker VM. Every call
// targets a single worker endpoint; the caller picks the worker first.
type Client interface {
	// ImportLab uploads a topology document and returns the lab ID the
	// host assigned.
	ImportLab(ctx context.Context, topology []byte, title string) (string, error)
	StartLab(ctx context.Context, labID string) error
	StopLab(ctx context.Context, labID string) error
	// WipeLab discards lab runtime state so the lab can be deleted.
	WipeLab(ctx context.Context, labID string) error
	DeleteLab(ctx context.Context, labID string) error
	// Ready reports whether the host's API answers at all, used by the
	// controller's health probe.
	Ready(ctx context.Context) error
}

// HTTPClient is the production Client on the host's REST API.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient builds a client for one worker endpoint, e.g.
// "https://ec2-1-2-3-4.compute.amazonaws.com".
func NewHTTPClient(endpoint, token string) *HTTPClient {
	return &HTTPClient{
		base:  endpoint,
		token: token,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type importResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) ImportLab(ctx context.Context, topology []byte, title string) (string, error) {
	url := fmt.Sprintf("%s/api/v0/import?title=%s", c.base, title)
	body, err := c.do(ctx, http.MethodPost, url, topology)
	if err != nil {
		return "", err
	}
	var resp importResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errdefs.Permanent(fmt.Errorf("malformed import response: %w", err))
	}
	if resp.ID == "" {
		return "", errdefs.Permanent(fmt.Errorf("import response carried no lab id"))
	}
	return resp.ID, nil
}

func (c *HTTPClient) StartLab(ctx context.Context, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/api/v0/labs/%s/start", c.base, labID), nil)
	return err
}

func (c *HTTPClient) StopLab(ctx context.Context, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/api/v0/labs/%s/stop", c.base, labID), nil)
	return err
}

func (c *HTTPClient) WipeLab(ctx context.Context, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/api/v0/labs/%s/wipe", c.base, labID), nil)
	return err
}

func (c *HTTPClient) DeleteLab(ctx context.Context, labID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/api/v0/labs/%s", c.base, labID), nil)
	return err
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/v0/system_information", c.base), nil)
	return err
}

// do issues one request and classifies the outcome: 2xx succeeds, 408/429
// and 5xx are transient, every other status is permanent, and transport
// failures are transient.
func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errdefs.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient(err, 1)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errdefs.Transient(err, 1)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, errdefs.Transient(fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, payload), 1)
	default:
		return nil, errdefs.Permanent(fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, payload))
	}
}
