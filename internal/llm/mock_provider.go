package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTurn represents a single response from the mock provider.
type MockTurn struct {
	Text        string        // Text to emit, chunked for realistic streaming
	Chunks      []string      // Explicit chunks; takes precedence over Text
	Usage       Usage         // Token usage to report
	Delay       time.Duration // Delay before each chunk
	DispatchErr error         // Returned from Stream/Complete before any event
	StreamErr   error         // Emitted as EventError after the chunks
	Hang        bool          // After the chunks, block until the stream is closed
	Truncate    bool          // End the stream without a terminal event
	Gate        chan struct{} // If set, wait for it to close before the first chunk
}

// MockProvider is a configurable provider for testing.
// It returns scripted responses and records all requests for verification.
type MockProvider struct {
	name      string
	turns     []MockTurn
	turnIndex int
	Requests  []Request // Recorded requests for verification
	mu        sync.Mutex
}

// NewMockProvider creates a new mock provider with the given name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string {
	return m.name
}

// AddTurn adds a response turn and returns the provider for chaining.
func (m *MockProvider) AddTurn(t MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// AddTextResponse is a convenience method to add a simple text response.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Text: text})
}

// AddError adds a turn that fails mid-stream.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{StreamErr: err})
}

// RequestCount returns how many requests were received.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}
	}
	return m.Requests[len(m.Requests)-1]
}

func (m *MockProvider) next(req Request) (MockTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.turnIndex >= len(m.turns) {
		return MockTurn{}, fmt.Errorf("mock provider: no more turns configured (expected turn %d, have %d)", m.turnIndex, len(m.turns))
	}
	turn := m.turns[m.turnIndex]
	m.turnIndex++
	return turn, nil
}

// Stream implements the Provider interface.
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if turn.DispatchErr != nil {
		return nil, turn.DispatchErr
	}

	return newRawStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		if turn.Gate != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-turn.Gate:
			}
		}
		chunks := turn.Chunks
		if len(chunks) == 0 {
			chunks = chunkText(turn.Text, 10)
		}
		for _, chunk := range chunks {
			if turn.Delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(turn.Delay):
				}
			}
			if err := send(ctx, ch, Event{Type: EventDelta, Text: chunk}); err != nil {
				return err
			}
		}
		if turn.StreamErr != nil {
			return turn.StreamErr
		}
		if turn.Hang {
			<-ctx.Done()
			return ctx.Err()
		}
		if turn.Truncate {
			return nil
		}
		use := turn.Usage
		if err := send(ctx, ch, Event{Type: EventUsage, Use: &use}); err != nil {
			return err
		}
		return send(ctx, ch, Event{Type: EventDone})
	}), nil
}

// Complete implements the Provider interface.
func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if turn.DispatchErr != nil {
		return nil, turn.DispatchErr
	}
	if turn.StreamErr != nil {
		return nil, turn.StreamErr
	}
	if turn.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(turn.Delay):
		}
	}
	text := turn.Text
	for _, c := range turn.Chunks {
		text += c
	}
	return &Response{Text: text, Usage: turn.Usage}, nil
}

// chunkText splits text into chunks of approximately the given size.
// It tries to break at word boundaries when possible.
func chunkText(text string, chunkSize int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			chunks = append(chunks, text)
			break
		}

		breakPoint := chunkSize
		for i := chunkSize; i > chunkSize/2; i-- {
			if text[i] == ' ' {
				breakPoint = i + 1
				break
			}
		}

		chunks = append(chunks, text[:breakPoint])
		text = text[breakPoint:]
	}
	return chunks
}
