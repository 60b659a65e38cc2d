package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// Client talks to the external AI recognition worker over HTTP.
//
// Endpoints:
//
//	POST {base}/recognitions                  multipart image upload
//	GET  {base}/recognitions/{id}/status      status poll, may inline result
//	GET  {base}/recognitions/{id}/result      full result fetch
//	POST {base}/recognitions/batch            multipart batch upload
//	GET  {base}/recognitions/batch/{id}/progress
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the worker client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets the minimum interval between worker requests
func WithRateLimit(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithAPIKey sets the bearer token sent on every request
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// NewClient creates a new worker API client
func NewClient(baseURL string, logger arbor.ILogger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type submitAck struct {
	ID string `json:"id"`
}

type statusEnvelope struct {
	Status       string            `json:"status"`
	Result       *models.JobResult `json:"result,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

type batchProgressEnvelope struct {
	CompletedItems int `json:"completedItems"`
	FailedItems    int `json:"failedItems"`
	TotalItems     int `json:"totalItems"`
}

// Submit uploads one image for recognition and returns the worker-assigned id.
func (c *Client) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*interfaces.SubmitResponse, error) {
	body, contentType, err := buildUploadBody([]*interfaces.SubmitRequest{req}, req.Priority, req.UseCache)
	if err != nil {
		return nil, err
	}

	var ack submitAck
	if err := c.post(ctx, "/recognitions", body, contentType, &ack); err != nil {
		return nil, err
	}
	if ack.ID == "" {
		return nil, fmt.Errorf("worker accepted submission without an id")
	}

	return &interfaces.SubmitResponse{ExternalID: ack.ID}, nil
}

// GetStatus polls the worker for job status. Unrecognized status strings are
// passed through for the caller's grace handling.
func (c *Client) GetStatus(ctx context.Context, externalID string) (*interfaces.StatusResponse, error) {
	var env statusEnvelope
	if err := c.get(ctx, "/recognitions/"+externalID+"/status", &env); err != nil {
		return nil, err
	}

	return &interfaces.StatusResponse{
		Status:       interfaces.WorkerStatus(env.Status),
		Result:       env.Result,
		ErrorMessage: env.ErrorMessage,
	}, nil
}

// GetResult fetches the full recognition result for a completed job.
func (c *Client) GetResult(ctx context.Context, externalID string) (*models.JobResult, error) {
	var result models.JobResult
	if err := c.get(ctx, "/recognitions/"+externalID+"/result", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitBatch uploads a group of images in one request.
func (c *Client) SubmitBatch(ctx context.Context, reqs []*interfaces.SubmitRequest) (*interfaces.BatchSubmitResponse, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch submission requires at least one file")
	}

	body, contentType, err := buildUploadBody(reqs, reqs[0].Priority, reqs[0].UseCache)
	if err != nil {
		return nil, err
	}

	var ack submitAck
	if err := c.post(ctx, "/recognitions/batch", body, contentType, &ack); err != nil {
		return nil, err
	}
	if ack.ID == "" {
		return nil, fmt.Errorf("worker accepted batch without an id")
	}

	return &interfaces.BatchSubmitResponse{ExternalID: ack.ID}, nil
}

// GetBatchProgress polls aggregate counters for a batch.
func (c *Client) GetBatchProgress(ctx context.Context, externalID string) (*interfaces.BatchProgressResponse, error) {
	var env batchProgressEnvelope
	if err := c.get(ctx, "/recognitions/batch/"+externalID+"/progress", &env); err != nil {
		return nil, err
	}

	return &interfaces.BatchProgressResponse{
		CompletedItems: env.CompletedItems,
		FailedItems:    env.FailedItems,
		TotalItems:     env.TotalItems,
	}, nil
}

func buildUploadBody(reqs []*interfaces.SubmitRequest, priority int, useCache bool) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, req := range reqs {
		part, err := writer.CreateFormFile("file", req.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build upload form: %w", err)
		}
		if _, err := part.Write(req.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write upload payload: %w", err)
		}
	}

	if err := writer.WriteField("priority", strconv.Itoa(priority)); err != nil {
		return nil, "", fmt.Errorf("failed to write priority field: %w", err)
	}
	if err := writer.WriteField("useCache", strconv.FormatBool(useCache)); err != nil {
		return nil, "", fmt.Errorf("failed to write useCache field: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read worker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", req.URL.Path).
			Msg("Worker API returned error")
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode worker response: %w", err)
	}
	return nil
}
