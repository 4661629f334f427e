package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"expertstream/pkg/logger"
)

// chatStreamChunk mirrors one SSE payload of an OpenAI-compatible stream.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// processStream parses an SSE chat-completion stream.
// Each event is prefixed with "data: " and the stream ends with "data: [DONE]".
func processStream(reader io.ReadCloser) <-chan ChatEvent {
	events := make(chan ChatEvent, 32)

	go func() {
		defer close(events)
		defer reader.Close()

		scanner := bufio.NewScanner(reader)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			// Skip empty lines and SSE comments
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}

			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			if data == "[DONE]" {
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Error().Err(err).Str("data", data).Msg("Failed to parse chat stream chunk")
				continue
			}

			if chunk.Error != nil {
				events <- ChatEvent{
					Err: fmt.Errorf("[%s] %s", chunk.Error.Type, chunk.Error.Message),
				}
				return
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				events <- ChatEvent{Delta: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				events <- ChatEvent{
					ToolCall: &ToolCall{
						Index:     tc.Index,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}

			if choice.FinishReason == FinishReasonStop ||
				choice.FinishReason == FinishReasonToolCalls ||
				choice.FinishReason == FinishReasonLength {
				events <- ChatEvent{FinishReason: choice.FinishReason}
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("Chat stream scanner error")
			events <- ChatEvent{Err: err}
		}
	}()

	return events
}
