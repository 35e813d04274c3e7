// Package llm talks to the language model that writes tests, scenarios and
// reviews.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

const serviceName = "azure-openai"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSON        bool // ask for a JSON object reply
}

// Response is the first choice of a completion.
type Response struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// AzureClient calls an Azure OpenAI chat-completions deployment.
type AzureClient struct {
	url    string
	apiKey string
	http   *http.Client
	sem    *semaphore.Weighted
	log    *logging.Logger
}

// NewAzureClient builds a client from the llm section of cfg. Missing
// endpoint, deployment or key is a ConfigurationError.
func NewAzureClient(cfg *config.Config, log *logging.Logger) (*AzureClient, error) {
	if errs := config.ValidateLLM(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, &pipeline.ConfigurationError{Message: strings.Join(msgs, "; ")}
	}
	timeout, err := cfg.LLM.RequestTimeoutDuration()
	if err != nil {
		return nil, &pipeline.ConfigurationError{Message: "llm.request_timeout: " + err.Error()}
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	limit := int64(cfg.LLM.MaxConcurrentRequests)
	if limit < 1 {
		limit = 1
	}
	if log == nil {
		log = logging.Nop()
	}

	u := strings.TrimRight(cfg.LLM.Endpoint, "/") +
		"/openai/deployments/" + url.PathEscape(cfg.LLM.Deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(cfg.LLM.APIVersion)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   int(limit),
		IdleConnTimeout:       90 * time.Second,
	}
	return &AzureClient{
		url:    u,
		apiKey: cfg.LLM.APIKey,
		http:   &http.Client{Transport: transport, Timeout: timeout},
		sem:    semaphore.NewWeighted(limit),
		log:    log,
	}, nil
}

type chatRequest struct {
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends req. Every failure is an *pipeline.ExternalServiceError.
func (c *AzureClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, Err: err}
	}
	defer c.sem.Release(1)

	body := chatRequest{Messages: req.Messages, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("encode chat request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("build chat request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return nil, &pipeline.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: errors.New("response has no choices")}
	}

	out := &Response{
		Content:          cr.Choices[0].Message.Content,
		FinishReason:     cr.Choices[0].FinishReason,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}
	c.log.Debug("chat completion", "duration", time.Since(start),
		"prompt_tokens", out.PromptTokens, "completion_tokens", out.CompletionTokens, "finish_reason", out.FinishReason)
	return out, nil
}

func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ""
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
		if env.Error.Code != "" {
			msg = env.Error.Code + ": " + msg
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &pipeline.ExternalServiceError{
		Service:    serviceName,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Err:        errors.New(msg),
	}
}

// parseRetryAfter accepts delay seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
