package executor

import (
	"context"
	"strings"
	"time"

	"inferq/internal/scheduler"
)

// EchoAdapter is a deterministic runtime that generates the prompt back one
// word per token. It serves development and tests where no model is loaded.
type EchoAdapter struct {
	// Delay is slept before each token.
	Delay time.Duration
}

// NewEchoAdapter returns an EchoAdapter with the given per-token delay.
func NewEchoAdapter(delay time.Duration) *EchoAdapter { return &EchoAdapter{Delay: delay} }

func (a *EchoAdapter) Start(modelPath string, params InferParams) (InferSession, error) {
	return &echoSession{delay: a.Delay, params: params}, nil
}

type echoSession struct {
	delay  time.Duration
	params InferParams
}

func (s *echoSession) Generate(ctx context.Context, prompt string, onToken func(string) error) (FinalResult, error) {
	words := strings.Fields(prompt)
	var b strings.Builder
	fin := FinalResult{FinishReason: "stop"}
	n := 0
	for i, w := range words {
		if s.params.MaxTokens > 0 && n >= s.params.MaxTokens {
			fin.FinishReason = "length"
			break
		}
		if containsFold(s.params.Stop, w) {
			break
		}
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return FinalResult{}, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return FinalResult{}, err
		}
		tok := w
		if i > 0 {
			tok = " " + w
		}
		if err := onToken(tok); err != nil {
			return FinalResult{}, err
		}
		b.WriteString(tok)
		n++
	}
	fin.Content = b.String()
	fin.Usage = scheduler.Usage{PromptTokens: len(words), CompletionTokens: n, TotalTokens: len(words) + n}
	return fin, nil
}

func (s *echoSession) Close() error { return nil }

func containsFold(list []string, w string) bool {
	for _, s := range list {
		if strings.EqualFold(s, w) {
			return true
		}
	}
	return false
}
