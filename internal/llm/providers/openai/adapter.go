// Package openai adapts OpenAI-compatible chat completion endpoints to the
// llm client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/danshapiro/rivet/internal/llm"
)

const ProviderName = "openai"

type Adapter struct {
	client *goopenai.Client
}

// New builds an adapter for apiKey. An empty baseURL targets api.openai.com;
// any OpenAI-compatible server (vLLM, Ollama, LM Studio) works when set.
func New(apiKey, baseURL string) (*Adapter, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, &llm.ConfigurationError{Message: "openai api key is required"}
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	return &Adapter{client: goopenai.NewClientWithConfig(cfg)}, nil
}

// NewFromEnv reads the key from keyEnv, falling back to OPENAI_API_KEY.
func NewFromEnv(keyEnv, baseURL string) (*Adapter, error) {
	key := ""
	if keyEnv != "" {
		key = os.Getenv(keyEnv)
	}
	if strings.TrimSpace(key) == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if strings.TrimSpace(key) == "" {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("set %s or OPENAI_API_KEY", firstNonEmpty(keyEnv, "OPENAI_API_KEY"))}
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	return New(key, baseURL)
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	resp, err := a.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return llm.Response{}, toError(err)
	}
	out := llm.Response{
		Provider: ProviderName,
		Model:    firstNonEmpty(resp.Model, req.Model),
		Message:  llm.Assistant(""),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Message = llm.Assistant(resp.Choices[0].Message.Content)
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func toMessages(msgs []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case llm.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func toError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code != "" {
			msg = code + ": " + msg
		}
		return llm.ErrorFromHTTPStatus(ProviderName, apiErr.HTTPStatusCode, msg, nil)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return llm.ErrorFromHTTPStatus(ProviderName, reqErr.HTTPStatusCode, msg, nil)
	}
	return llm.FromTransportError(ProviderName, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
