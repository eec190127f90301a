package llm

import "context"

// StreamChunk is one increment of a streamed model reply. Content
// fragments arrive in order; the final chunk has Done set and carries
// any accumulated tool calls and the usage totals. A chunk with Error
// set terminates the stream.
type StreamChunk struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
	Done      bool
	Error     error
}

// StreamingProvider is the optional incremental variant of Provider.
// Consumers pull chunks from the returned channel; the channel is
// closed after the Done or Error chunk. Providers that do not
// implement it are consumed one-shot without changing downstream
// state-machine logic.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Drain consumes a chunk stream to completion and folds it into a
// ChatResponse. It is how non-streaming call sites use a streaming
// provider.
func Drain(chunks <-chan StreamChunk) (*ChatResponse, error) {
	resp := &ChatResponse{}
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		resp.Content += chunk.Content
		if chunk.Done {
			resp.ToolCalls = chunk.ToolCalls
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
	return resp, nil
}
