// Package completion talks to an OpenAI-compatible chat-completions endpoint.
//
// The client sends the whole transcript on every call and never retries; callers
// decide what to do with a classified *Error.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

const (
	DefaultBaseURL         = "https://api.x.ai/v1"
	DefaultModel           = "grok-beta"
	DefaultTemperature     = 0.8
	DefaultMaxOutputTokens = 500

	maxResponseBytes = 1 << 20
	maxLoggedBody    = 512
)

// Completer produces one reply for a transcript.
type Completer interface {
	Complete(ctx context.Context, t transcript.Transcript, opts Options) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, t transcript.Transcript, opts Options) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, t transcript.Transcript, opts Options) (string, error) {
	return f(ctx, t, opts)
}

// Options control sampling for one call.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

func DefaultOptions() Options {
	return Options{
		Model:           DefaultModel,
		Temperature:     DefaultTemperature,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.Model) == "" {
		return errors.New("model is empty")
	}
	if o.Temperature < 0 || o.Temperature > 1 {
		return errors.Errorf("temperature %v outside [0,1]", o.Temperature)
	}
	if o.MaxOutputTokens <= 0 {
		return errors.Errorf("max output tokens must be positive, got %d", o.MaxOutputTokens)
	}
	return nil
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ Completer = &Client{}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("completion client: api key is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		endpoint:   base + "/chat/completions",
		apiKey:     cfg.APIKey,
		httpClient: hc,
	}, nil
}

type chatRequest struct {
	Model       string                `json:"model"`
	Messages    transcript.Transcript `json:"messages"`
	Temperature float64               `json:"temperature"`
	MaxTokens   int                   `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, t transcript.Transcript, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", newError(KindUnknown, 0, "", errors.Wrap(err, "invalid options"))
	}
	payload, err := json.Marshal(chatRequest{
		Model:       opts.Model,
		Messages:    t,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxOutputTokens,
	})
	if err != nil {
		return "", newError(KindUnknown, 0, "", errors.Wrap(err, "marshal request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", newError(KindTransport, 0, "", errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", newError(KindTransport, 0, "", errors.Wrap(err, "send request"))
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return "", newError(KindTransport, res.StatusCode, "", errors.Wrap(err, "read response"))
	}
	log.Debug().
		Str("component", "completion").
		Int("status", res.StatusCode).
		Dur("duration", time.Since(start)).
		Int("messages", len(t)).
		Msg("completion response")

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return "", newError(KindAuth, res.StatusCode, truncate(body), errors.New(res.Status))
	case res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices:
		return "", newError(KindUpstream, res.StatusCode, truncate(body), errors.New(res.Status))
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", newError(KindMalformed, res.StatusCode, truncate(body), errors.Wrap(err, "decode response"))
	}
	if len(decoded.Choices) == 0 {
		return "", newError(KindMalformed, res.StatusCode, truncate(body), errors.New("no choices"))
	}
	msg := decoded.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", newError(KindMalformed, res.StatusCode, truncate(body), errors.New("choice has no message content"))
	}
	reply := strings.TrimSpace(*msg.Content)
	if reply == "" {
		return "", newError(KindMalformed, res.StatusCode, truncate(body), errors.New("empty reply"))
	}
	return reply, nil
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
