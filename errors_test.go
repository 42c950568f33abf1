package distil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidationError(t *testing.T) {
	t.Parallel()
	err := &SchemaValidationError{Violations: []string{
		"missing property 'email'",
		"at '/name': got number, want string",
	}}
	assert.Equal(t,
		"result does not match the requested shape: missing property 'email'; at '/name': got number, want string",
		err.Error())
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, IsValidationError(err))

	empty := &SchemaValidationError{}
	assert.Equal(t, "result does not match the requested shape", empty.Error())

	cause := errors.New("jsonschema: oops")
	wrapped := &SchemaValidationError{Err: cause}
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, ErrValidation)
}

func TestCommandValidationError(t *testing.T) {
	t.Parallel()
	err := &CommandValidationError{ExitCode: 3, Message: "score too low"}
	assert.Equal(t, "score too low", err.Error())
	assert.ErrorIs(t, err, ErrValidation)

	bare := &CommandValidationError{ExitCode: 7}
	assert.Equal(t, "validator exited with code 7", bare.Error())
}

func TestHTTPValidationError(t *testing.T) {
	t.Parallel()
	err := &HTTPValidationError{StatusCode: 422, Message: "missing vendor"}
	assert.Equal(t, "missing vendor", err.Error())
	assert.ErrorIs(t, err, ErrValidation)

	bare := &HTTPValidationError{StatusCode: 503}
	assert.Equal(t, "validator returned status 503", bare.Error())
}

func TestTurnsExhaustedError(t *testing.T) {
	t.Parallel()
	last := &CommandValidationError{ExitCode: 1, Message: "not ready"}
	err := &TurnsExhaustedError{Turns: 3, LastErr: last}
	assert.Equal(t, "no valid result after 3 turns, last error: not ready", err.Error())
	assert.ErrorIs(t, err, ErrTurnsExhausted)
	// The last validation error travels with the terminal failure.
	assert.ErrorIs(t, err, ErrValidation)
	var cve *CommandValidationError
	assert.ErrorAs(t, err, &cve)

	bare := &TurnsExhaustedError{Turns: 2}
	assert.Equal(t, "no valid result after 2 turns", bare.Error())
	assert.ErrorIs(t, bare, ErrTurnsExhausted)
	assert.NotErrorIs(t, bare, ErrValidation)
}

func TestGenerateError(t *testing.T) {
	t.Parallel()
	cause := errors.New("rate limited")
	err := &GenerateError{Provider: "openai", Model: "openai/gpt-4o", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provider=openai")
	assert.Contains(t, err.Error(), "rate limited")

	overflow := &GenerateError{
		Provider:        "anthropic",
		Model:           "anthropic/claude-sonnet-4-5",
		ContextOverflow: true,
		Err:             errors.New("prompt too long"),
	}
	assert.Contains(t, overflow.Error(), "context window exceeded")

	hinted := &GenerateError{Err: errors.New("boom"), Hint: "try again"}
	assert.Contains(t, hinted.Error(), "hint: try again")
}

func TestAnnotateGenerateError(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := annotateGenerateError(cause, "google/gemini-2.0-flash")
	var ge *GenerateError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "google", ge.Provider)
	assert.Equal(t, "google/gemini-2.0-flash", ge.Model)
	assert.Empty(t, ge.Hint)
	assert.ErrorIs(t, err, cause)

	// A generator that already returned a typed error passes through untouched,
	// gaining only a hint where the text warrants one.
	typed := &GenerateError{Provider: "openai", Model: "openai/gpt-4o",
		Err: errors.New("Internal Server Error")}
	out := annotateGenerateError(fmt.Errorf("call failed: %w", typed), "openai/gpt-4o")
	require.ErrorAs(t, out, &ge)
	assert.Same(t, typed, ge)
	assert.NotEmpty(t, ge.Hint)
}

func TestGenericErrorHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg      string
		wantHint bool
	}{
		{"500 Internal Server Error", true},
		{"the model is currently Overloaded", true},
		{"503 service unavailable", true},
		{"an internal error occurred", true},
		{"unknown error from upstream", true},
		{"invalid api key", false},
		{"prompt too long", false},
		{"", false},
	}
	for _, tt := range tests {
		got := genericErrorHint(tt.msg)
		if tt.wantHint {
			assert.NotEmpty(t, got, tt.msg)
		} else {
			assert.Empty(t, got, tt.msg)
		}
	}
}
