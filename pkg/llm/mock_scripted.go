package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedProvider is a mock provider that returns a pre-defined
// sequence of responses, tool calls included. Useful for testing
// multi-turn tool loops.
type ScriptedProvider struct {
	mu        sync.Mutex
	Responses []*ChatResponse
	Err       error
	// CallCount tracks how many times Chat has been called.
	CallCount int
	// Requests records every request received, in order.
	Requests []ChatRequest
}

// NewScripted creates a ScriptedProvider from the given responses.
func NewScripted(responses ...*ChatResponse) *ScriptedProvider {
	return &ScriptedProvider{Responses: responses}
}

// Text builds a scripted content-only response.
func Text(content string) *ChatResponse {
	return &ChatResponse{
		Content: content,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// Calls builds a scripted response requesting the given tool calls.
func Calls(calls ...ToolCall) *ChatResponse {
	return &ChatResponse{
		ToolCalls: calls,
		Usage:     Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// Call builds a single scripted tool call with JSON arguments.
func Call(id, name, arguments string) ToolCall {
	return ToolCall{
		ID:   id,
		Type: ToolTypeFunction,
		Function: FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CallCount++
	s.Requests = append(s.Requests, req)

	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("scripted provider: no more responses available")
	}

	resp := s.Responses[0]
	s.Responses = s.Responses[1:]
	return resp, nil
}

// AddResponse appends a response to the queue.
func (s *ScriptedProvider) AddResponse(resp *ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, resp)
}

// LastRequest returns the most recent request, or a zero request.
func (s *ScriptedProvider) LastRequest() ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return ChatRequest{}
	}
	return s.Requests[len(s.Requests)-1]
}
