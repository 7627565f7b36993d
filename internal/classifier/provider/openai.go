package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/supportersimulator/categorizer/internal/classifier"
)

const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
)

// OpenAIProvider calls an OpenAI compatible chat completions endpoint.
type OpenAIProvider struct {
	client   *http.Client
	endpoint string
	apiKey   string
	model    string
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
	}
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req classifier.Request) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model: p.model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed openAIResponse
	jsonErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if jsonErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &classifier.StatusError{
			Backend:    p.Name(),
			Code:       resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp),
		}
	}
	if jsonErr != nil {
		return "", &classifier.StatusError{Backend: p.Name(), Code: http.StatusBadGateway, Message: "parsing response: " + jsonErr.Error()}
	}
	if parsed.Error != nil {
		return "", &classifier.StatusError{Backend: p.Name(), Code: http.StatusBadGateway, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", &classifier.StatusError{Backend: p.Name(), Code: http.StatusBadGateway, Message: "no choices in response"}
	}
	return parsed.Choices[0].Message.Content, nil
}
