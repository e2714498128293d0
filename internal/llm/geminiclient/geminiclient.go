// Package geminiclient adapts the teacher's hand-rolled Gemini HTTP JSON-mode
// client into an llm.Client. It has no true streaming support from the
// provider, so StreamComplete synthesizes chunk delivery by replaying the
// complete response in fixed-size pieces — kept in-tree as the fallback
// LLMClient for deployments without an Anthropic key (see DESIGN.md).
package geminiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmrpg/internal/llm"
)

// Client implements llm.Client using the Gemini generateContent HTTP API in
// plain-text response mode, grounded on tanrar-rpg-backend's GeminiAdapter.
type Client struct {
	modelName   string
	apiKey      string
	httpClient  *http.Client
	apiEndpoint string
}

// New creates a Gemini-backed llm.Client.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = "gemini-1.5-flash-latest"
	}
	return &Client{
		modelName:   modelName,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 90 * time.Second},
		apiEndpoint: "https://generativelanguage.googleapis.com/v1beta/models",
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

// Complete issues one request/response round against the Gemini API.
func (c *Client) Complete(ctx context.Context, conversation []llm.Message, opts llm.CompletionOptions) (llm.Completion, error) {
	if c.apiKey == "" {
		return llm.Completion{}, fmt.Errorf("GEMINI_API_KEY not configured")
	}

	prompt := renderConversation(conversation)

	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMimeType: "text/plain",
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.apiEndpoint, c.modelName, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(bodyBytes))
	if err != nil {
		return llm.Completion{}, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return llm.Completion{}, fmt.Errorf("gemini request failed: status %d: %s", resp.StatusCode, string(respBytes))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(respBytes, &apiResp); err != nil {
		return llm.Completion{}, fmt.Errorf("unmarshal gemini response: %w", err)
	}
	if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
		return llm.Completion{}, fmt.Errorf("gemini blocked prompt: %s", apiResp.PromptFeedback.BlockReason)
	}
	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return llm.Completion{}, fmt.Errorf("gemini response missing content")
	}

	text := apiResp.Candidates[0].Content.Parts[0].Text
	return llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}, nil
}

// StreamComplete has no real server-sent streaming here; it completes the
// round first, then replays the result as a handful of narration chunks so
// downstream consumers (the streaming parser, the WS layer) see the same
// shape of traffic they would from a true streaming provider.
func (c *Client) StreamComplete(ctx context.Context, conversation []llm.Message, opts llm.CompletionOptions, onChunk llm.OnChunk) (llm.Completion, error) {
	completion, err := c.Complete(ctx, conversation, opts)
	if err != nil {
		return llm.Completion{}, err
	}
	const chunkSize = 40
	text := completion.Message.Content
	for i := 0; i < len(text); i += chunkSize {
		end := i + chunkSize
		if end > len(text) {
			end = len(text)
		}
		onChunk(llm.StreamChunk{Content: text[i:end]})
	}
	return completion, nil
}

func renderConversation(conversation []llm.Message) string {
	var b strings.Builder
	for _, m := range conversation {
		switch m.Role {
		case llm.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n---\n\n")
		case llm.RoleUser:
			b.WriteString("Player: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case llm.RoleAssistant:
			b.WriteString("Narrator: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case llm.RoleTool:
			b.WriteString("Tool result: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
