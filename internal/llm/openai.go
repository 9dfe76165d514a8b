package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/stream"
)

// ErrTruncated is returned when a stream ends without a finish reason.
var ErrTruncated = errors.New("completion stream ended before the model finished")

// Config configures an OpenAI-compatible chat completion client.
type Config struct {
	BaseURL     string
	APIKeyEnv   string
	OrgID       string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Client sends conversation turns to a chat completion endpoint.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// NewClient creates a completion client using the key found in cfg.APIKeyEnv.
func NewClient(cfg Config) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	return newClient(key, cfg), nil
}

func newClient(key string, cfg Config) *Client {
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.OrgID = cfg.OrgID
	t := cfg.Timeout
	if t == 0 {
		t = 120 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: t}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (c *Client) Model() string { return c.model }

func (c *Client) request(turns []domain.Turn) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		msgs[i] = openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	}
}

// Complete returns the full answer in one call.
func (c *Client) Complete(ctx context.Context, turns []domain.Turn) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(turns))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream starts a streamed completion. The caller must drain or close it.
func (c *Client) Stream(ctx context.Context, turns []domain.Turn) (stream.Source, error) {
	req := c.request(turns)
	req.Stream = true
	s, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	return &chatStream{s: s}, nil
}

type chatStream struct {
	s        *openai.ChatCompletionStream
	finished bool
}

func (cs *chatStream) Recv() (string, error) {
	resp, err := cs.s.Recv()
	if errors.Is(err, io.EOF) {
		if !cs.finished {
			return "", ErrTruncated
		}
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "" {
		cs.finished = true
	}
	return choice.Delta.Content, nil
}

func (cs *chatStream) Close() error {
	cs.s.Close()
	return nil
}
