package answer

import (
	"context"
	"strings"
	"time"
)

type mockProvider struct{}

func NewMockProvider() Provider { return mockProvider{} }

func (mockProvider) Generate(ctx context.Context, question string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return "[mock answer for " + strings.TrimSpace(question) + "]", nil
}
