package repair

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

// Result is the narrow contract every fallback provider returns. The
// core treats it as opaque beyond the fields below.
type Result struct {
	Success      bool
	RepairedText string
	FUTokens     int
	Error        string
}

// Provider is the external collaborator that performs LLM-assisted
// repair. NullProvider stands in when no fallback is configured; the
// exchange handler calls Repair without checking for a nil Provider.
type Provider interface {
	Repair(ctx context.Context, rawText string, schemaHint map[string]any) (Result, error)
}

// NullProvider always reports failure without making any external call.
type NullProvider struct{}

func (NullProvider) Repair(context.Context, string, map[string]any) (Result, error) {
	return Result{Success: false, Error: "fallback provider not configured"}, nil
}

// EstimateTokens approximates token count the way the metering layer
// expects it to be approximated prior to a real provider call.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

const systemPrompt = `You are a JSON repair assistant. You will be given malformed or ` +
	`partial JSON and, optionally, a schema it must conform to. Respond with ONLY the ` +
	`repaired JSON value — no commentary, no code fences.`

// OpenAIProvider repairs malformed JSON via a chat-completions style
// endpoint, mirroring the request/response shape used elsewhere in the
// gateway for LLM calls.
type OpenAIProvider struct {
	APIKey string
	Model  string
	Client *http.Client
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &OpenAIProvider{
		APIKey: apiKey,
		Model:  model,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Repair(ctx context.Context, rawText string, schemaHint map[string]any) (Result, error) {
	if p.APIKey == "" {
		return Result{Success: false, Error: "no api key configured"}, nil
	}

	userContent := rawText
	if schemaHint != nil {
		schemaJSON, _ := json.Marshal(schemaHint)
		userContent = fmt.Sprintf("Schema:\n%s\n\nMalformed JSON:\n%s", schemaJSON, rawText)
	}

	reqBody := chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0,
		MaxTokens:   800,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("repair: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("repair: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{Success: false, Error: fmt.Sprintf("fallback provider error %d: %s", resp.StatusCode, raw)}, nil
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{Success: false, Error: "fallback provider returned unparseable response"}, nil
	}
	if len(cr.Choices) == 0 {
		return Result{Success: false, Error: "fallback provider returned no choices"}, nil
	}

	content := strings.TrimSpace(cr.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	tokens := cr.Usage.TotalTokens
	if tokens == 0 {
		tokens = EstimateTokens(rawText) + EstimateTokens(content)
	}

	return Result{Success: true, RepairedText: content, FUTokens: tokens}, nil
}
