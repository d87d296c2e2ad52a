package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaybot/relaybot/internal/domain"
)

const defaultBaseURL = "https://api.anthropic.com"

const systemPrompt = "You are a helpful assistant answering chat messages on behalf of a business. " +
	"Reply in the language the contact writes in. Keep replies short and conversational; " +
	"this is a chat, not an email."

// AnthropicConfig holds the Claude responder settings.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Anthropic generates replies with the Claude Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates a Claude-backed responder.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("responder model is required")
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := anthropic.NewClient(
		option.WithAuthToken(cfg.APIKey),
		option.WithBaseURL(baseURL),
	)
	return &Anthropic{
		client:    &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
	}, nil
}

// GenerateReply asks Claude for a reply to the inbound message, feeding the
// recent conversation history as alternating turns.
func (a *Anthropic) GenerateReply(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		Messages:  buildMessages(req),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", errors.New("claude returned an empty reply")
	}
	return reply, nil
}

// buildMessages maps the stored history onto API turns: incoming records
// become user messages, outgoing ones assistant messages. The current
// inbound text is always the final user turn.
func buildMessages(req Request) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, rec := range req.History {
		if rec == nil || rec.Text == "" {
			continue
		}
		switch rec.Direction {
		case domain.DirectionIncoming:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(rec.Text)))
		case domain.DirectionOutgoing:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(rec.Text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)))
	return msgs
}
