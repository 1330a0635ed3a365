// Package openrouter adapts the OpenRouter chat-completions API to the
// crawler's LLM and budget interfaces.
package openrouter

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

	"github.com/JakeFAU/edital-crawler/internal/budget"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

var (
	_ crawler.LLMProvider   = (*Client)(nil)
	_ crawler.BudgetChecker = (*Client)(nil)
)

// Default configuration values.
const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "meta-llama/llama-3.1-8b-instruct:free"
	DefaultTimeout = 60 * time.Second
)

// maxErrorBody bounds how much of an error response is kept in LLMError.
const maxErrorBody = 512

// Config holds client configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	Referer    string
	Title      string
	Thresholds budget.Thresholds
}

// Client talks to OpenRouter.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	referer string
	title   string
	th      budget.Thresholds
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type keyResponse struct {
	Data struct {
		Label          string   `json:"label"`
		Usage          float64  `json:"usage"`
		Limit          *float64 `json:"limit"`
		LimitRemaining *float64 `json:"limit_remaining"`
		IsFreeTier     bool     `json:"is_free_tier"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// New creates a Client. An API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Thresholds == (budget.Thresholds{}) {
		cfg.Thresholds = budget.DefaultThresholds()
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		referer: cfg.Referer,
		title:   cfg.Title,
		th:      cfg.Thresholds,
	}, nil
}

// Complete sends prompt as a single user message and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt string, opts crawler.CompletionOptions) (string, error) {
	var messages []chatMessage
	if opts.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.JSONMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &crawler.LLMError{Message: "decode completion", Err: err}
	}
	if resp.Error != nil {
		return "", &crawler.LLMError{Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &crawler.LLMError{Message: "empty completion"}
	}
	return resp.Choices[0].Message.Content, nil
}

// CheckBalance reads the key's remaining limit.
func (c *Client) CheckBalance(ctx context.Context) (crawler.CreditStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/key", nil)
	if err != nil {
		return crawler.CreditStatus{State: crawler.CreditInsufficient}, err
	}
	var resp keyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crawler.CreditStatus{State: crawler.CreditInsufficient}, &crawler.LLMError{Message: "decode key info", Err: err}
	}
	balance := float64(budget.UnlimitedBalance)
	if resp.Data.LimitRemaining != nil {
		balance = *resp.Data.LimitRemaining
	}
	return crawler.CreditStatus{
		Balance: balance,
		State:   budget.Classify(balance, resp.Data.IsFreeTier, c.th),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &crawler.LLMError{Message: "send request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &crawler.LLMError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var wrapped struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
			msg = wrapped.Error.Message
		}
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &crawler.LLMError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
