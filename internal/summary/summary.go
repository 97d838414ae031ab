// Package summary produces transcript summaries and rewrites through an
// OpenAI-compatible chat completion endpoint (OpenAI, Ollama, LM Studio, vLLM).
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/openwhisper/transcriber/internal/config"
)

// ErrDisabled is returned when no model is configured.
var ErrDisabled = errors.New("summary: llm disabled")

const (
	summarizeSystem = "You are a concise summarizer. Given a voice transcription, produce a clear " +
		"summary in 2-4 sentences. Preserve the original language of the transcription. " +
		"Focus on the key topics and main points discussed. Do not add information " +
		"that is not in the original text."
	summarizeUser = "Summarize the following transcription:\n\n"

	rewriteSystem = "You are a text editor. Rewrite the following voice transcription to be cleaner " +
		"and more readable, fixing grammar and removing filler words. Preserve the original " +
		"language and meaning. Do not add information that is not in the original text."
	rewriteUser = "Rewrite the following text:\n\n"
)

// OpenAISummarizer talks to a chat completion API.
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	log         *slog.Logger
}

// New returns a summarizer for cfg, or ErrDisabled when neither a base URL
// nor an API key is configured.
func New(cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (*OpenAISummarizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	logger.With("component", "summary.openai").Info("llm client initialised", "base_url", clientCfg.BaseURL, "model", model)
	return &OpenAISummarizer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: 0.3,
		maxTokens:   1024,
		log:         logger.With("component", "summary.openai", "model", model),
	}, nil
}

// Summarize returns a short summary of text. Blank text yields "".
func (s *OpenAISummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return s.complete(ctx, summarizeSystem, summarizeUser+text)
}

// Rewrite cleans up text. A non-empty instruction replaces the default
// editing prompt.
func (s *OpenAISummarizer) Rewrite(ctx context.Context, text, instruction string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	system := rewriteSystem
	if strings.TrimSpace(instruction) != "" {
		system = instruction
	}
	return s.complete(ctx, system, rewriteUser+text)
}

func (s *OpenAISummarizer) complete(ctx context.Context, system, user string) (string, error) {
	if s == nil {
		return "", ErrDisabled
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: chat completion returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	s.log.Debug("completion received", "chars", len(out), "total_tokens", resp.Usage.TotalTokens)
	return out, nil
}
