package distil

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles used in extraction conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultMaxTurns is the number of model turns an extraction may consume when
// Request.MaxTurns is zero.
const DefaultMaxTurns = 3

// ToolName is the name of the single extraction tool offered to the model.
// Candidates are taken from an invocation of this tool before any text parsing.
const ToolName = "extract"

// Message is one conversation entry sent to or received from the Generator.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`    // set on assistant messages that invoked the extraction tool
	ToolCallID string    `json:"tool_call_id,omitempty"` // set on RoleTool feedback messages
}

// ToolCall is a single tool invocation as produced by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"` // JSON payload of arguments
}

// Attachment is an image passed alongside the input text.
type Attachment struct {
	MediaType string // e.g. "image/png"
	Data      []byte
}

// Usage tracks token counts and cost. The extraction loop accumulates usage
// additively across turns; the final result carries the cumulative sum.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// CachePolicy controls per-request cache behavior. The zero value caches with no
// TTL and no revalidation.
type CachePolicy struct {
	// Disabled skips the cache entirely for this request.
	Disabled bool
	// TTL bounds how long a stored entry stays valid. Zero means no expiry.
	TTL time.Duration
	// Revalidate re-runs the validator layers against a cached hit before
	// returning it, evicting the entry on failure. Required to cache requests
	// that carry local validators (Check / CheckCtx): such validators may be
	// non-deterministic, and trusting a cached value would silently skip checks
	// the caller asked for.
	Revalidate bool
}

// Request is the immutable per-call configuration of one extraction.
// It is owned by the caller and never mutated by the engine.
type Request struct {
	// Model is a "provider/model" identifier (e.g. "openai/gpt-4o"). The
	// provider segment selects schema normalization capabilities.
	Model string
	// Schema is the target shape as a JSON Schema map. See SchemaFor to reflect
	// one from a Go type.
	Schema map[string]any
	// Instruction is the natural-language extraction instruction, sent as the
	// system prompt.
	Instruction string
	// Input is free-form input text. Ignored when Messages is set.
	Input string
	// Messages is an optional structured conversation history used instead of Input.
	Messages []Message
	// Images are optional attachments forwarded to the Generator.
	Images []Attachment
	// MaxTurns bounds the conversation; zero means DefaultMaxTurns.
	MaxTurns int

	// Check is a local synchronous validator run over the unwrapped candidate.
	Check func(data any) error
	// CheckCtx is a local context-aware validator, run after Check.
	CheckCtx func(ctx context.Context, data any) error
	// CheckCommand is an external process validator, run as `sh -c <command>`
	// with the serialized candidate on stdin. Exit code 0 means pass.
	CheckCommand string
	// CheckURL is an external HTTP validator endpoint; the serialized candidate
	// is POSTed to it and a 2xx status means pass.
	CheckURL string

	// Cache is the caching policy for this request.
	Cache CachePolicy
}

// Result is the terminal success value of an extraction.
type Result struct {
	Data  any   // final extracted data, already unwrapped
	Turns int   // number of turns consumed (1-based count)
	Usage Usage // cumulative usage across all turns
}

// Delta is one streamed fragment from an in-flight generation.
type Delta struct {
	Thinking bool // true for reasoning/thinking text, false for response text
	Text     string
}

// ToolDef is the single tool definition offered to the model each turn.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any // normalized shape
}

// GenerateRequest is the per-turn input to the Generator collaborator.
type GenerateRequest struct {
	Model     string
	System    string
	Messages  []Message
	Images    []Attachment
	Tool      *ToolDef
	APIKey    string
	MaxTokens int
	Effort    string // reasoning-effort level, provider-defined
}

// Completion is the terminal outcome of one Generator call.
type Completion struct {
	Message    Message // assistant message, possibly carrying a tool invocation
	Usage      Usage   // usage of this turn only
	StopReason string
}

// Generator is the generation-service collaborator: it runs one model turn,
// streaming zero or more deltas via yield and returning exactly one terminal
// outcome. If yield returns an error, generation must stop and return it.
// Errors should be (or wrap) *GenerateError so callers get provider metadata;
// context-window overflow is reported via GenerateError.ContextOverflow.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, yield func(Delta) error) (*Completion, error)
}
