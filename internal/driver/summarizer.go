package driver

import (
	"context"

	"expertstream/internal/llm"
	"expertstream/pkg/logger"
)

// summaryFraming prefixes the synthetic assistant message so the model
// knows the transcript was compressed.
const summaryFraming = "Here is a summary of the conversation so far: "

// Default summarizer prompts, overridable through configuration.
const (
	DefaultSummaryInstruction = "You compress conversation transcripts. Extract the user's goal, " +
		"every decision made, every tool result that matters, and any unresolved points. " +
		"Be factual and concise."
	DefaultSummaryRequest = "Summarize the conversation above."
)

// Summarizer compresses a transcript through a tool-free chat completion.
type Summarizer struct {
	chat        ChatStreamer
	instruction string
	request     string
}

// NewSummarizer creates a summarizer. Empty instruction or request
// strings fall back to the defaults.
func NewSummarizer(chat ChatStreamer, instruction, request string) *Summarizer {
	if instruction == "" {
		instruction = DefaultSummaryInstruction
	}
	if request == "" {
		request = DefaultSummaryRequest
	}
	return &Summarizer{chat: chat, instruction: instruction, request: request}
}

// Summarize returns a replacement transcript: the original system message
// if any, the first user message if any, and one assistant message
// carrying the summary. On empty output or sub-call failure the original
// transcript is returned unchanged.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, messages []llm.Message) []llm.Message {
	summary, err := s.run(ctx, messages)
	if err != nil {
		logger.Warn().Err(err).Str("conversation", conversationID).Msg("Summarization failed, keeping original transcript")
		return messages
	}
	if summary == "" {
		logger.Warn().Str("conversation", conversationID).Msg("Empty summary, keeping original transcript")
		return messages
	}

	replacement := make([]llm.Message, 0, 3)
	if sys := firstByRole(messages, llm.RoleSystem); sys != nil {
		replacement = append(replacement, *sys)
	}
	if user := firstByRole(messages, llm.RoleUser); user != nil {
		replacement = append(replacement, *user)
	}
	replacement = append(replacement, llm.Message{
		Role:    llm.RoleAssistant,
		Content: summaryFraming + summary,
	})

	logger.Info().Str("conversation", conversationID).
		Int("before", len(messages)).Int("after", len(replacement)).
		Msg("Transcript summarized")
	return replacement
}

// run issues the tool-free sub-completion and accumulates content deltas.
func (s *Summarizer) run(ctx context.Context, messages []llm.Message) (string, error) {
	sub := make([]llm.Message, 0, len(messages)+2)
	if sys := firstByRole(messages, llm.RoleSystem); sys != nil {
		sub = append(sub, *sys)
	}
	sub = append(sub, llm.Message{Role: llm.RoleSystem, Content: s.instruction})
	for _, m := range messages {
		if m.Role != llm.RoleSystem {
			sub = append(sub, m)
		}
	}
	sub = append(sub, llm.Message{Role: llm.RoleUser, Content: s.request})

	events, err := s.chat.Stream(ctx, llm.ChatRequest{Messages: sub})
	if err != nil {
		return "", err
	}

	var summary string
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		summary += ev.Delta
	}
	return summary, nil
}

func firstByRole(messages []llm.Message, role string) *llm.Message {
	for i := range messages {
		if messages[i].Role == role {
			return &messages[i]
		}
	}
	return nil
}
