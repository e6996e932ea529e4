package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const (
	providerName = "gemini"
	DefaultModel = "gemini-2.0-flash-001"
)

// modelAliases maps the identifiers the frontend sends to API model names.
var modelAliases = map[string]string{
	"gemini-2-0-flash-001":      "gemini-2.0-flash-001",
	"gemini-2-0-flash-lite-001": "gemini-2.0-flash-lite-001",
	"gemini-2-5-pro":            "gemini-2.5-pro",
	"gemini-2-5-flash":          "gemini-2.5-flash",
	"gemini-1-5-pro":            "gemini-1.5-pro-001",
	"gemini-1-5-flash":          "gemini-1.5-flash-001",
}

// ResolveModel returns the API model name for name. Unknown names resolve to
// fallback.
func ResolveModel(name, fallback string) string {
	if fallback == "" {
		fallback = DefaultModel
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	if mapped, ok := modelAliases[name]; ok {
		return mapped
	}
	for _, canonical := range modelAliases {
		if canonical == name {
			return name
		}
	}
	return fallback
}

// Client talks to the Generative Language REST API.
type Client struct {
	httpClient *http.Client
	cfg        config.GeminiConfig
	log        *logger.Logger
}

func NewClient(cfg config.GeminiConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		log:        log,
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// text joins the parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (c *Client) Generate(ctx context.Context, prompt string, cfg ports.GenerationConfig) (string, error) {
	model := ResolveModel(cfg.Model, c.cfg.Model)
	resp, err := c.do(ctx, "generate", model+":generateContent", prompt, cfg)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ports.ProviderError{Provider: providerName, Operation: "generate", Message: "invalid response body", Err: err}
	}
	if out.PromptFeedback.BlockReason != "" {
		return "", &ports.ProviderError{Provider: providerName, Operation: "generate", Message: "prompt blocked: " + out.PromptFeedback.BlockReason}
	}
	text := out.text()
	if text == "" {
		return "", &ports.ProviderError{Provider: providerName, Operation: "generate", Message: "empty response"}
	}

	c.log.Debugw("gemini_generate_ok", "model", model, "chars", len(text))
	return text, nil
}

// GenerateStream delivers the response in chunks as the server produces
// them. An error from onChunk stops the stream and is returned as is.
func (c *Client) GenerateStream(ctx context.Context, prompt string, cfg ports.GenerationConfig, onChunk func(chunk string) error) error {
	model := ResolveModel(cfg.Model, c.cfg.Model)
	resp, err := c.do(ctx, "stream", model+":streamGenerateContent?alt=sse", prompt, cfg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	chunks := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var event generateResponse
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return &ports.ProviderError{Provider: providerName, Operation: "stream", Message: "invalid stream event", Err: err}
		}
		if event.PromptFeedback.BlockReason != "" {
			return &ports.ProviderError{Provider: providerName, Operation: "stream", Message: "prompt blocked: " + event.PromptFeedback.BlockReason}
		}
		text := event.text()
		if text == "" {
			continue
		}
		chunks++
		if err := onChunk(text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ports.ProviderError{Provider: providerName, Operation: "stream", Message: "stream interrupted", Err: err}
	}
	if chunks == 0 {
		return &ports.ProviderError{Provider: providerName, Operation: "stream", Message: "empty response"}
	}

	c.log.Debugw("gemini_stream_ok", "model", model, "chunks", chunks)
	return nil
}

func (c *Client) do(ctx context.Context, op, path, prompt string, cfg ports.GenerationConfig) (*http.Response, error) {
	if c.cfg.APIKey == "" {
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "api key not configured"}
	}

	body, err := json.Marshal(c.buildRequest(prompt, cfg))
	if err != nil {
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "failed to marshal request", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s", c.cfg.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Warnw("gemini_request_failed", "op", op, "error", err)
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(raw))
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		c.log.Warnw("gemini_request_rejected", "op", op, "status", resp.StatusCode, "message", msg)
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func (c *Client) buildRequest(prompt string, cfg ports.GenerationConfig) generateRequest {
	contents := make([]content, 0, len(cfg.History)+1)
	for _, msg := range cfg.History {
		role := "user"
		if msg.Role == "model" || msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: prompt}}})

	gc := generationConfig{
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		TopK:            cfg.TopK,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	if gc.Temperature == nil {
		t := c.cfg.Temperature
		gc.Temperature = &t
	}
	if gc.TopP == nil && c.cfg.TopP > 0 {
		p := c.cfg.TopP
		gc.TopP = &p
	}
	if gc.TopK == nil && c.cfg.TopK > 0 {
		k := c.cfg.TopK
		gc.TopK = &k
	}
	if gc.MaxOutputTokens == nil && c.cfg.MaxOutputTokens > 0 {
		m := c.cfg.MaxOutputTokens
		gc.MaxOutputTokens = &m
	}

	return generateRequest{Contents: contents, GenerationConfig: gc}
}
