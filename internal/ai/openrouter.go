package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenRouterTitle   = "meetnote"
	defaultOpenRouterSystem  = "You are a meeting assistant. Work only from the transcript material in the request and say so plainly when it does not contain the answer."
)

type openrouterConfig struct {
	APIKey         string   `json:"api_key"`
	BaseURL        string   `json:"base_url"`
	HTTPReferer    string   `json:"http_referer"`
	XTitle         string   `json:"x_title"`
	SystemPrompt   string   `json:"system_prompt"`
	Temperature    *float64 `json:"temperature"`
	MaxTokens      int      `json:"max_tokens"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// openrouterProvider talks to the OpenRouter chat endpoint. Every request
// carries a system message that keeps answers grounded in the meeting.
type openrouterProvider struct {
	apiKey      string
	baseURL     string
	httpReferer string
	xTitle      string
	system      string
	temperature *float64
	maxTokens   int
	client      *http.Client
}

type openrouterRequest struct {
	Model       string          `json:"model"`
	Messages    []openrouterMsg `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openrouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openrouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *openrouterError `json:"error"`
}

type openrouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *openrouterProvider) Name() string {
	return "openrouter"
}

func (p *openrouterProvider) Available() bool {
	return p.apiKey != ""
}

func (p *openrouterProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if !p.Available() {
		return "", ErrUnavailable
	}
	msgs := make([]openrouterMsg, 0, 2)
	if p.system != "" {
		msgs = append(msgs, openrouterMsg{Role: "system", Content: p.system})
	}
	msgs = append(msgs, openrouterMsg{Role: "user", Content: prompt})
	data, err := json.Marshal(openrouterRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if p.httpReferer != "" {
		req.Header.Set("HTTP-Referer", p.httpReferer)
	}
	req.Header.Set("X-Title", p.xTitle)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read openrouter response: %w", err)
	}
	var out openrouterResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("openrouter request failed: %s: %s", resp.Status, out.Error.Message)
		}
		return "", fmt.Errorf("openrouter request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode openrouter response: %w", decodeErr)
	}
	// OpenRouter reports upstream model failures inside a 200 body.
	if out.Error != nil {
		return "", fmt.Errorf("openrouter upstream error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter response has no choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openrouter returned empty content (finish_reason=%s)", out.Choices[0].FinishReason)
	}
	return text, nil
}

func createOpenRouterFactory(args interface{}) (IAIProvider, error) {
	cfg := &openrouterConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	title := strings.TrimSpace(cfg.XTitle)
	if title == "" {
		title = defaultOpenRouterTitle
	}
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system == "" {
		system = defaultOpenRouterSystem
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &openrouterProvider{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     baseURL,
		httpReferer: strings.TrimSpace(cfg.HTTPReferer),
		xTitle:      title,
		system:      system,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func init() {
	Register("openrouter", createOpenRouterFactory)
}
