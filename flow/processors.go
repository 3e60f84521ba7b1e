package flow

import (
	"context"
	"fmt"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/model"
)

// InstructionsProcessor renders the system prompt.
type InstructionsProcessor struct {
	template string
	vars     map[string]any
}

// NewInstructionsProcessor creates a processor rendering instructions with vars.
func NewInstructionsProcessor(instructions string, vars map[string]any) *InstructionsProcessor {
	return &InstructionsProcessor{template: instructions, vars: vars}
}

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest sets req.Instructions.
func (p *InstructionsProcessor) ProcessRequest(_ context.Context, req *model.Request, _ Conversation) error {
	out, err := RenderTemplate(p.template, p.vars)
	if err != nil {
		return fmt.Errorf("failed to render instructions: %w", err)
	}
	req.Instructions = out
	return nil
}

// ContentsProcessor assembles the request messages from the conversation.
type ContentsProcessor struct {
	maxHistory int
}

// NewContentsProcessor creates a processor keeping at most maxHistory prior
// messages. Values <= 0 keep all of them.
func NewContentsProcessor(maxHistory int) *ContentsProcessor {
	return &ContentsProcessor{maxHistory: maxHistory}
}

// Name returns the processor's identifier.
func (p *ContentsProcessor) Name() string { return "contents" }

// ProcessRequest sets req.Messages to the trimmed history followed by the
// running turn.
func (p *ContentsProcessor) ProcessRequest(_ context.Context, req *model.Request, conv Conversation) error {
	history := conv.History
	if p.maxHistory > 0 && len(history) > p.maxHistory {
		history = history[len(history)-p.maxHistory:]
	}
	msgs := make([]core.Message, 0, len(history)+len(conv.Turn))
	msgs = append(msgs, history...)
	msgs = append(msgs, conv.Turn...)
	req.Messages = msgs
	return nil
}
