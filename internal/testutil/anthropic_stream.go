package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WriteAnthropicStream writes a Messages API event stream that emits deltas as
// text_delta events and reports the given usage.
func WriteAnthropicStream(w http.ResponseWriter, deltas []string, inputTokens, outputTokens int) {
	emit := writeAnthropicOpening(w, deltas, inputTokens)
	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
	emit("message_stop", map[string]any{"type": "message_stop"})
}

// WriteAnthropicTruncatedStream writes the opening events and deltas of a
// stream, then returns without the closing events, as a dropped upstream
// connection would.
func WriteAnthropicTruncatedStream(w http.ResponseWriter, deltas []string, inputTokens int) {
	writeAnthropicOpening(w, deltas, inputTokens)
}

func writeAnthropicOpening(w http.ResponseWriter, deltas []string, inputTokens int) func(string, map[string]any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(event string, payload map[string]any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_test", "type": "message", "role": "assistant", "model": "claude-test",
			"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
	emit("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	for _, d := range deltas {
		emit("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": d},
		})
	}
	return emit
}

// WriteAnthropicError writes a Messages API error body with status.
func WriteAnthropicError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errorType, "message": message},
	})
}
