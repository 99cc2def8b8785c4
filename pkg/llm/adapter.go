package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message in the session's conversation.
type Turn struct {
	Role Role
	Text string
}

// Replier produces a reply to a transcript given the prior turns, oldest
// first. The transcript itself is not part of history.
type Replier interface {
	Name() string
	GenerateReply(ctx context.Context, transcript string, history []Turn) (string, error)
}

// Config contains vendor-agnostic reply generation settings.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}
