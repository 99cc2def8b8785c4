package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/vocalis/pkg/llm"
)

type LLMConfig struct {
	// ResponseText is returned once Steps are exhausted. When Echo is set the
	// reply repeats the transcript instead.
	ResponseText string
	Echo         bool
	Steps        []Step
	Delay        time.Duration
}

// Replier returns scripted replies and records the history it was given.
type Replier struct {
	script
	echo      bool
	histMu    sync.Mutex
	histories [][]llm.Turn
}

func NewLLM(cfg LLMConfig) *Replier {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &Replier{echo: cfg.Echo, script: script{steps: cfg.Steps, def: Step{Text: cfg.ResponseText, Delay: cfg.Delay}}}
}

func (r *Replier) Name() string { return "mock_llm" }

func (r *Replier) GenerateReply(ctx context.Context, transcript string, history []llm.Turn) (string, error) {
	r.histMu.Lock()
	r.histories = append(r.histories, append([]llm.Turn(nil), history...))
	r.histMu.Unlock()

	step, scripted := r.next()
	if err := wait(ctx, step.Delay); err != nil {
		return "", err
	}
	if step.Err != nil {
		return "", step.Err
	}
	if r.echo && !scripted {
		return "you said: " + transcript, nil
	}
	return step.Text, nil
}

// Histories returns the history passed to each call, in call order.
func (r *Replier) Histories() [][]llm.Turn {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return append([][]llm.Turn(nil), r.histories...)
}
