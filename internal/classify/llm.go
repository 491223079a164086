package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

const (
	defaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 10
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

const systemPrompt = "You are a sales inbox triage assistant. Classify the email " +
	"into exactly one of these labels: Interested, Meeting Booked, " +
	"Not Interested, Spam, Out of Office. Respond with only the label."

// LLM classifies records with the Claude Messages API and falls back to
// the keyword heuristic when the call fails.
type LLM struct {
	apiKey string
	model  string
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewLLM creates an LLM classifier. An empty modelName selects the
// default model.
func NewLLM(apiKey, modelName string, log zerolog.Logger) *LLM {
	if modelName == "" {
		modelName = defaultModel
	}
	return &LLM{
		apiKey: apiKey,
		model:  modelName,
		url:    defaultAPIURL,
		client: &http.Client{},
		log:    log,
	}
}

// Classify implements ingest.Classifier.
func (c *LLM) Classify(ctx context.Context, rec *model.MessageRecord) (model.Category, error) {
	text := classifyText(rec)

	answer, err := c.callAPI(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		c.log.Warn().Err(err).Str("record_id", rec.ID).
			Msg("LLM classification failed, falling back to heuristic")
		return HeuristicLabel(text), nil
	}
	return NormalizeLabel(answer), nil
}

// NormalizeLabel maps a free-form model answer to a label.
func NormalizeLabel(answer string) model.Category {
	l := strings.ToLower(strings.TrimSpace(answer))
	switch {
	case strings.Contains(l, "not interested"):
		return model.CategoryNotInterested
	case strings.Contains(l, "interested"):
		return model.CategoryInterested
	case strings.Contains(l, "meeting") || strings.Contains(l, "booked"):
		return model.CategoryMeetingBooked
	case strings.Contains(l, "spam"):
		return model.CategorySpam
	case strings.Contains(l, "out of office") || strings.Contains(l, "ooo") ||
		strings.Contains(l, "vacation"):
		return model.CategoryOutOfOffice
	default:
		return model.CategoryUncategorized
	}
}

// callAPI sends one classification request and returns the text answer.
func (c *LLM) callAPI(ctx context.Context, text string) (string, error) {
	reqBody := apiRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		System:      systemPrompt,
		Temperature: 0,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: "Email:\n" + text}},
		}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response")
	}
	return sb.String(), nil
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system"`
	Temperature float64      `json:"temperature"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
