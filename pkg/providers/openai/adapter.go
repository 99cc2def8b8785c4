package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/harunnryd/vocalis/pkg/llm"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

const defaultSystemPrompt = "You are a helpful voice assistant. Reply in one or two short spoken sentences without markdown."

type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

// Replier generates replies with the chat completions API. The client does
// not retry; the session's retry policy owns that.
type Replier struct {
	client oai.Client
	cfg    Config
}

func NewReplier(cfg Config) (*Replier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Replier{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

func (r *Replier) Name() string { return "openai" }

func (r *Replier) GenerateReply(ctx context.Context, transcript string, history []llm.Turn) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, r.buildParams(transcript, history))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", resilience.RateLimitError{Provider: "openai", Message: apiErr.Error()}
		}
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *Replier) buildParams(transcript string, history []llm.Turn) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, oai.SystemMessage(r.cfg.SystemPrompt))
	for _, turn := range history {
		messages = append(messages, convertTurn(turn))
	}
	messages = append(messages, oai.UserMessage(transcript))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(r.cfg.Model),
		Messages: messages,
	}
	if r.cfg.Temperature != 0 {
		params.Temperature = param.NewOpt(r.cfg.Temperature)
	}
	if r.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(r.cfg.MaxTokens))
	}
	return params
}

func convertTurn(t llm.Turn) oai.ChatCompletionMessageParamUnion {
	if t.Role == llm.RoleAssistant {
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(t.Text)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
	return oai.UserMessage(t.Text)
}

var _ llm.Replier = (*Replier)(nil)
