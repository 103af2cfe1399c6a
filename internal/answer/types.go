package answer

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-copilot/internal/config"
)

// Provider turns a question into a suggested answer. Implementations make a
// single attempt per call and may fail; Fallback absorbs those failures.
type Provider interface {
	Generate(ctx context.Context, question string) (string, error)
}

// ErrEmptyAnswer is returned when a backend replied without answer text.
var ErrEmptyAnswer = errors.New("answer provider returned an empty answer")

// systemPrompt is sent to model-backed providers.
const systemPrompt = "You are a helpful interview assistant. Provide concise and professional responses."

// New builds the provider selected by cfg.Mode.
func New(cfg config.AnswerConfig) (Provider, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockProvider(), nil
	case "http", "":
		return NewHTTPProvider(cfg.Endpoint, cfg.Context, nil), nil
	case "ollama":
		return NewOllamaProvider(cfg.Endpoint, cfg.Model, nil), nil
	case "exec":
		return NewExecProvider(cfg.Command, cfg.Context)
	default:
		return nil, fmt.Errorf("unsupported answer mode %q", cfg.Mode)
	}
}
