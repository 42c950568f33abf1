// Package testutil provides test helpers for distil (e.g. MockGenerator).
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/skosovsky/distil"
)

// Step is one scripted Generator turn: its streamed deltas and either a
// completion or an error.
type Step struct {
	Deltas     []distil.Delta
	Completion *distil.Completion
	Err        error
}

// MockGenerator is a scripted Generator for tests. Each Generate call pops the
// next step, streams its deltas, and returns its completion or error. Requests
// are recorded in Calls for assertions on the conversation the loop built.
type MockGenerator struct {
	mu    sync.Mutex
	Steps []Step
	Calls []distil.GenerateRequest
}

// Generate implements distil.Generator.
func (m *MockGenerator) Generate(_ context.Context, req distil.GenerateRequest, yield func(distil.Delta) error) (*distil.Completion, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	if len(m.Steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("mock generator: no steps left")
	}
	step := m.Steps[0]
	m.Steps = m.Steps[1:]
	m.mu.Unlock()

	for _, d := range step.Deltas {
		if err := yield(d); err != nil {
			return nil, err
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Completion == nil {
		return &distil.Completion{Message: distil.Message{Role: distil.RoleAssistant}}, nil
	}
	return step.Completion, nil
}

// ToolCompletion builds a completion whose assistant message invokes the
// extraction tool with argsJSON.
func ToolCompletion(argsJSON string) *distil.Completion {
	return &distil.Completion{
		Message: distil.Message{
			Role: distil.RoleAssistant,
			ToolCall: &distil.ToolCall{
				ID:   "call-1",
				Name: distil.ToolName,
				Args: json.RawMessage(argsJSON),
			},
		},
		Usage: distil.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// TextCompletion builds a completion whose assistant message is plain text.
func TextCompletion(text string) *distil.Completion {
	return &distil.Completion{
		Message: distil.Message{Role: distil.RoleAssistant, Content: text},
		Usage:   distil.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

var _ distil.Generator = (*MockGenerator)(nil)
