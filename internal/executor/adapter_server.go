package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/scheduler"
)

// serverAdapter implements InferenceAdapter against a running llama.cpp
// server through its OpenAI-compatible streaming /v1/completions endpoint.
type serverAdapter struct {
	baseURL    string
	apiKey     string
	reqTimeout time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// NewServerAdapter constructs a server-backed adapter. The client carries no
// overall timeout; requests are bounded by their context and reqTimeout.
func NewServerAdapter(baseURL, apiKey string, reqTimeout, connectTimeout time.Duration, log zerolog.Logger) InferenceAdapter {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &serverAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr},
		log:        log.With().Str("adapter", "llama_server").Logger(),
	}
}

type serverSession struct {
	adapter *serverAdapter
	// model id forwarded to the server; the server owns the weights
	modelID string
	params  InferParams
}

func (a *serverAdapter) Start(modelPath string, params InferParams) (InferSession, error) {
	return &serverSession{adapter: a, modelID: strings.TrimSpace(modelPath), params: params}, nil
}

type completionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

type streamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (s *serverSession) Generate(ctx context.Context, prompt string, onToken func(string) error) (FinalResult, error) {
	if s.adapter.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.adapter.reqTimeout)
		defer cancel()
	}
	body, err := json.Marshal(completionRequest{
		Model:         s.modelID,
		Prompt:        prompt,
		MaxTokens:     s.params.MaxTokens,
		Temperature:   s.params.Temperature,
		TopP:          s.params.TopP,
		TopK:          s.params.TopK,
		Stop:          s.params.Stop,
		Seed:          s.params.Seed,
		Stream:        true,
		RepeatPenalty: s.params.RepeatPenalty,
	})
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.adapter.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.adapter.apiKey)
	}
	resp, err := s.adapter.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, errors.New("llama server http error: " + resp.Status + ": " + strings.TrimSpace(string(b)))
	}
	return s.readStream(ctx, resp.Body, onToken)
}

// readStream parses SSE "data:" lines until [DONE] or EOF.
func (s *serverSession) readStream(ctx context.Context, body io.Reader, onToken func(string) error) (FinalResult, error) {
	r := bufio.NewReader(body)
	var final FinalResult
	var content strings.Builder
	n := 0
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), "data:") {
			data := strings.TrimSpace(line[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg streamResponse
			if jerr := json.Unmarshal([]byte(data), &msg); jerr != nil {
				s.adapter.log.Warn().Str("line", line).Msg("unknown stream line")
			} else {
				if msg.Usage != nil {
					final.Usage = scheduler.Usage{
						PromptTokens:     msg.Usage.PromptTokens,
						CompletionTokens: msg.Usage.CompletionTokens,
						TotalTokens:      msg.Usage.TotalTokens,
					}
				}
				if len(msg.Choices) > 0 {
					c := msg.Choices[0]
					frag := c.Text
					if frag == "" {
						frag = c.Delta.Content
					}
					if frag != "" {
						if cbErr := onToken(frag); cbErr != nil {
							return final, cbErr
						}
						content.WriteString(frag)
						n++
					}
					if c.FinishReason != "" {
						final.FinishReason = c.FinishReason
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			s.adapter.log.Warn().Err(err).Msg("stream read error")
			return final, err
		}
	}
	if ctx.Err() != nil {
		return final, ctx.Err()
	}
	final.Content = content.String()
	if final.Usage.TotalTokens == 0 {
		final.Usage.CompletionTokens = n
	}
	return final, nil
}

func (s *serverSession) Close() error { return nil }
