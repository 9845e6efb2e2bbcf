package llm

import "context"

// Completer is the single-prompt view of a chat model used by the pipeline.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ChatCompleter sends a system and user message through a Client.
type ChatCompleter struct {
	Client      *Client
	Provider    string
	Model       string
	Temperature *float64
}

func (c *ChatCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	if c == nil || c.Client == nil {
		return "", &ConfigurationError{Message: "completer has no client"}
	}
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(user))
	resp, err := c.Client.Complete(ctx, Request{
		Provider:    c.Provider,
		Model:       c.Model,
		Messages:    msgs,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}
