package tt

import (
	"context"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// -----------------------------------------------------------------------------
// MockModel - scripted llms.Model
// -----------------------------------------------------------------------------

// MockModel is a configurable llms.Model. Queued responses and errors are returned in
// order; once the queue is empty every call returns the last response again.
type MockModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	errors    []error
	callCount int

	// CapturedMessages stores the messages passed to each GenerateContent call.
	CapturedMessages [][]llms.MessageContent

	// CapturedOptions stores the resolved call options of each call.
	CapturedOptions []llms.CallOptions
}

// NewMockModel creates an empty MockModel.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// AddResponse queues a response with the specified content and token counts, reported
// with OpenAI-style GenerationInfo keys.
func (m *MockModel) AddResponse(content string, inputTokens, outputTokens int) *MockModel {
	return m.AddRawResponse(&llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content: content,
			GenerationInfo: map[string]any{
				"PromptTokens":     inputTokens,
				"CompletionTokens": outputTokens,
			},
		}},
	})
}

// AddRawResponse queues a raw ContentResponse.
// Use this when you need full control over the response structure (e.g., empty Choices).
func (m *MockModel) AddRawResponse(resp *llms.ContentResponse) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return m
}

// AddError queues an error for the next call.
func (m *MockModel) AddError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.responses) <= len(m.errors) {
		m.responses = append(m.responses, nil)
	}
	m.errors = append(m.errors, err)
	return m
}

// CallCount returns the number of times GenerateContent has been called.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// GenerateContent implements llms.Model.
func (m *MockModel) GenerateContent(
	_ context.Context,
	messages []llms.MessageContent,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.CapturedMessages = append(m.CapturedMessages, messages)
	m.CapturedOptions = append(m.CapturedOptions, opts)

	idx := m.callCount
	m.callCount++

	if idx < len(m.errors) && m.errors[idx] != nil {
		return nil, m.errors[idx]
	}
	if len(m.responses) == 0 {
		return nil, nil
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// Call implements llms.Model.
func (m *MockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}
