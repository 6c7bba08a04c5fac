// Package provider предоставляет клиент для внешнего провайдера генерации.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с провайдером генерации.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// SubmitResponse описывает ответ провайдера на постановку задачи.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResult описывает состояние задачи по данным провайдера.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	ResultURL  string `json:"result_url,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// Статусы задачи на стороне провайдера.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// NewClient создаёт HTTP-клиент для обращения к провайдеру генерации по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil

	// 429 не ретраим внутри клиента: Retry-After обрабатывает вызывающий код.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type submitRequest struct {
	Kind      string `json:"kind"`
	Prompt    string `json:"prompt"`
	ClientRef string `json:"client_ref"`
}

// SubmitTask ставит задачу генерации и возвращает идентификатор задачи у провайдера.
// clientRef передаётся провайдеру как ключ идемпотентности постановки.
func (c *Client) SubmitTask(ctx context.Context, kind, prompt, clientRef string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("provider client not configured")
	}

	body, err := json.Marshal(submitRequest{
		Kind:      kind,
		Prompt:    prompt,
		ClientRef: clientRef,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v1/generations"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("provider returned empty task_id")
	}

	return result.TaskID, nil
}

// GetTaskResult запрашивает состояние задачи у провайдера по её идентификатору.
func (c *Client) GetTaskResult(ctx context.Context, providerTaskID string) (*TaskResult, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("provider client not configured")
	}

	url := c.url("/api/v1/generations/" + providerTaskID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
