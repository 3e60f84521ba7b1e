package openai

import (
	"errors"

	"github.com/openai/openai-go"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/model"
)

// ErrNoChoices is returned when a completion carries no choices.
var ErrNoChoices = errors.New("openai: no choices returned")

// DecodeCompletion converts the first choice of a chat completion into a
// final model.Response. The completion is kept as Raw.
func DecodeCompletion(resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	ch0 := resp.Choices[0]
	calls := make([]core.FunctionCall, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	author := resp.Model
	var msg core.Message
	if len(calls) > 0 {
		msg = core.NewToolCallMessage(author, ch0.Message.Content, calls...)
	} else {
		msg = core.NewAssistantMessage(author, ch0.Message.Content)
	}

	return &model.Response{
		ID:           resp.ID,
		Message:      msg,
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Raw: resp,
	}, nil
}
