package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/mailhub/internal/reply"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	Content []apiContentBlock `json:"content"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// MessagesDrafter drafts replies through the Anthropic Messages API.
type MessagesDrafter struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewMessagesDrafter returns a drafter posting to url, the public API
// when empty.
func NewMessagesDrafter(apiKey, url, modelName string, maxTokens int, client *http.Client) *MessagesDrafter {
	if url == "" {
		url = defaultAPIURL
	}
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if client == nil {
		client = &http.Client{}
	}
	return &MessagesDrafter{
		apiKey:    apiKey,
		url:       url,
		model:     modelName,
		maxTokens: maxTokens,
		client:    client,
	}
}

// Draft makes a single Messages API call and parses the reply text as a
// {subject, body} object.
func (m *MessagesDrafter) Draft(ctx context.Context, req reply.DraftRequest) (*reply.Draft, error) {
	prompt, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding draft request: %w", err)
	}

	bodyBytes, err := json.Marshal(apiRequest{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		System:    systemPrompt(req),
		Messages:  []apiMessage{{Role: "user", Content: string(prompt)}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", m.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling Messages API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseDraftText(text.String())
}

// parseDraftText extracts the outermost JSON object from model output,
// which may wrap it in prose or a code fence.
func parseDraftText(text string) (*reply.Draft, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	var d reply.Draft
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("decoding model reply: %w", err)
	}
	return &d, nil
}

func systemPrompt(req reply.DraftRequest) string {
	var sb strings.Builder

	sb.WriteString("You draft short email replies on behalf of the user. ")
	sb.WriteString("The user message is a JSON request holding the incoming email and a hint.\n\n")

	sb.WriteString("Rules:\n")
	for _, c := range req.PrivacyConstraints {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	if req.MustAppendDisclosure && req.Disclosure != "" {
		sb.WriteString("- End the body with this line verbatim: ")
		sb.WriteString(req.Disclosure)
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with only a JSON object of the form ")
	sb.WriteString(`{"subject": "...", "body": "..."}`)
	sb.WriteString(" and nothing else.")

	return sb.String()
}
