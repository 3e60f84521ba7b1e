package anthropic

import (
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/model"
)

// ErrNilMessage is returned when decoding a nil response.
var ErrNilMessage = errors.New("anthropic: nil message")

// DecodeMessage converts an Anthropic response into a final model.Response.
// Text blocks become the message text, tool_use blocks become function calls
// with their input serialized as JSON. Other block types are ignored.
func DecodeMessage(resp *anthropic.Message) (*model.Response, error) {
	if resp == nil {
		return nil, ErrNilMessage
	}

	var text string
	var calls []core.FunctionCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if b, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(b)
				}
			}
			calls = append(calls, core.FunctionCall{ID: toolBlock.ID, Name: toolBlock.Name, Arguments: args})
		}
	}

	author := string(resp.Model)
	var msg core.Message
	if len(calls) > 0 {
		msg = core.NewToolCallMessage(author, text, calls...)
	} else {
		msg = core.NewAssistantMessage(author, text)
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &model.Response{
		ID:           resp.ID,
		Message:      msg,
		FinishReason: finishReason,
		Usage:        &model.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		Raw:          resp,
	}, nil
}
