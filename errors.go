package distil

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for distil. Use errors.Is to check.
var (
	ErrNoModel        = errors.New("no model configured")
	ErrNoGenerator    = errors.New("no generator configured")
	ErrValidation     = errors.New("validation failed")
	ErrTurnsExhausted = errors.New("turns exhausted")
)

// SchemaValidationError reports a candidate that does not match the target shape.
// Violations holds one human-readable line per failing field; the full text is fed
// back to the model as corrective context.
type SchemaValidationError struct {
	Violations []string
	Err        error // underlying jsonschema error, if any
}

func (e *SchemaValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "result does not match the requested shape"
	}
	return "result does not match the requested shape: " + strings.Join(e.Violations, "; ")
}

// Unwrap reports ErrValidation plus the underlying cause for errors.Is/errors.As.
func (e *SchemaValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// CommandValidationError reports an external process validator that exited non-zero.
type CommandValidationError struct {
	ExitCode int
	Message  string // stderr text, or a generic exit-code message
}

func (e *CommandValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("validator exited with code %d", e.ExitCode)
}

func (e *CommandValidationError) Unwrap() error { return ErrValidation }

// HTTPValidationError reports an external HTTP validator that returned a non-2xx
// status. StatusCode is zero when the request itself failed before any response.
type HTTPValidationError struct {
	StatusCode int
	Message    string
}

func (e *HTTPValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("validator returned status %d", e.StatusCode)
}

func (e *HTTPValidationError) Unwrap() error { return ErrValidation }

// TurnsExhaustedError is the terminal failure after MaxTurns without a passing
// result. LastErr is the last validation error encountered, if any.
type TurnsExhaustedError struct {
	Turns   int
	LastErr error
}

func (e *TurnsExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("no valid result after %d turns, last error: %s", e.Turns, e.LastErr)
	}
	return fmt.Sprintf("no valid result after %d turns", e.Turns)
}

// Unwrap reports ErrTurnsExhausted plus the last validation error.
func (e *TurnsExhaustedError) Unwrap() []error {
	if e.LastErr != nil {
		return []error{ErrTurnsExhausted, e.LastErr}
	}
	return []error{ErrTurnsExhausted}
}

// GenerateError is a generation-service failure. It surfaces immediately without
// retry, annotated with enough metadata to diagnose the provider call.
type GenerateError struct {
	Provider        string
	Model           string
	API             string // provider API surface, e.g. "messages" or "chat.completions"
	StopReason      string
	ContextOverflow bool   // the conversation exceeded the model's context window
	Hint            string // heuristic note for known-generic provider error text
	Err             error
}

func (e *GenerateError) Error() string {
	var b strings.Builder
	b.WriteString("generation failed")
	if e.Provider != "" {
		fmt.Fprintf(&b, " (provider=%s, model=%s)", e.Provider, e.Model)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.ContextOverflow {
		b.WriteString(" (context window exceeded)")
	}
	if e.Hint != "" {
		b.WriteString(" (hint: ")
		b.WriteString(e.Hint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *GenerateError) Unwrap() error { return e.Err }

// IsValidationError returns true if err is or wraps any validation failure
// (shape, local check, command, or HTTP layer).
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// annotateGenerateError ensures generation failures surface as *GenerateError
// carrying provider metadata and, for known-generic provider error text, a hint.
func annotateGenerateError(err error, model string) error {
	var ge *GenerateError
	if errors.As(err, &ge) {
		if ge.Hint == "" {
			ge.Hint = genericErrorHint(err.Error())
		}
		return ge
	}
	provider, _, _ := strings.Cut(model, "/")
	return &GenerateError{
		Provider: provider,
		Model:    model,
		Hint:     genericErrorHint(err.Error()),
		Err:      err,
	}
}

// genericErrorHint returns a diagnostic note when the error text matches patterns
// providers use for otherwise uninformative failures.
func genericErrorHint(msg string) string {
	lower := strings.ToLower(msg)
	for _, pat := range []string{
		"internal server error",
		"internal error",
		"overloaded",
		"service unavailable",
		"unknown error",
	} {
		if strings.Contains(lower, pat) {
			return "the provider returned a generic failure; retrying or switching models often resolves it"
		}
	}
	return ""
}
