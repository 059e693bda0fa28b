package anthropicprovider

import (
	"fmt"
	"net/http"
	"testing"
)

const (
	sseMessageStart = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":0,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}}}

`
	sseTextBlockStart = `event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

`
	sseMessageDelta = `event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":""},"usage":{"input_tokens":10,"output_tokens":2,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}}

`
	sseMessageStop = `event: message_stop
data: {"type":"message_stop"}

`
)

func sseTextDelta(text string) string {
	return fmt.Sprintf(`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}

`, text)
}

// writeSSE flushes each chunk to the client in order.
func writeSSE(t *testing.T, w http.ResponseWriter, chunks ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Errorf("response writer does not implement flusher")
		return
	}
	for _, chunk := range chunks {
		_, _ = fmt.Fprint(w, chunk)
		flusher.Flush()
	}
}
