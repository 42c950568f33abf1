package distil

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Extractor drives bounded extraction conversations against a Generator until
// the model produces data that satisfies the target shape and every configured
// validator, feeding each failure back as corrective context. Safe for
// concurrent use; each call runs as a single sequence of awaited steps.
type Extractor struct {
	gen        Generator
	cache      Store
	logger     *slog.Logger
	httpClient *http.Client
	shell      string
	apiKey     string
	maxTokens  int
	effort     string
}

// New creates an Extractor backed by gen. Without WithCache an in-process
// MemoryStore is used.
func New(gen Generator, opts ...Option) *Extractor {
	o := extractorOptions{
		logger:     slog.Default(),
		httpClient: &http.Client{},
		shell:      "sh",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.cacheSet {
		o.cache = NewMemoryStore(0)
	}
	return &Extractor{
		gen:        gen,
		cache:      o.cache,
		logger:     o.logger,
		httpClient: o.httpClient,
		shell:      o.shell,
		apiKey:     o.apiKey,
		maxTokens:  o.maxTokens,
		effort:     o.effort,
	}
}

// Extract runs one extraction to completion and returns the terminal result.
// It is a convenience wrapper over Stream for callers that do not consume
// progress events.
func (x *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	return x.Stream(ctx, req).Result(ctx)
}

// Stream starts one extraction and returns its event stream immediately.
// The stream always reaches a terminal complete or error event, even on
// cancellation.
func (x *Extractor) Stream(ctx context.Context, req Request) *Stream {
	stream := newStream()
	go func() {
		res, err := x.extract(ctx, &req, stream)
		if err != nil {
			stream.fail(err)
			return
		}
		stream.complete(res)
	}()
	return stream
}

// extract is the extraction state machine: start, cache check, then up to
// MaxTurns conversation turns ending in completion or exhaustion. Cancellation
// is checked before the loop and at every turn boundary.
func (x *Extractor) extract(ctx context.Context, req *Request, stream *Stream) (*Result, error) {
	if req.Model == "" {
		return nil, ErrNoModel
	}
	if x.gen == nil {
		return nil, ErrNoGenerator
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream.emit(Event{Type: EventStart})

	caps := CapabilitiesFor(req.Model)
	normalized, unwrapKey := Normalize(caps, req.Schema)
	shape, err := compileShape(normalized)
	if err != nil {
		return nil, fmt.Errorf("compile shape: %w", err)
	}

	key := Fingerprint(req)
	if res, ok := x.checkCache(ctx, req, stream, key); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	conv := baseConversation(req)
	tool := &ToolDef{
		Name:        ToolName,
		Description: "Record the extracted data matching the requested structure.",
		Schema:      normalized,
	}

	var total Usage
	var lastErr error
	for turn := 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream.emit(Event{Type: EventTurnStart, Turn: turn})
		x.logger.Debug("turn start", "run", stream.RunID(), "model", req.Model, "turn", turn)

		completion, err := x.gen.Generate(ctx, GenerateRequest{
			Model:     req.Model,
			System:    req.Instruction,
			Messages:  conv,
			Images:    req.Images,
			Tool:      tool,
			APIKey:    x.apiKey,
			MaxTokens: x.maxTokens,
			Effort:    x.effort,
		}, func(d Delta) error {
			typ := EventText
			if d.Thinking {
				typ = EventThinking
			}
			stream.emit(Event{Type: typ, Turn: turn, Text: d.Text})
			return ctx.Err()
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, annotateGenerateError(err, req.Model)
		}
		total.Add(completion.Usage)

		candidate, fromTool, ok := extractCandidate(completion.Message)
		if !ok {
			// No parseable output this turn; nudge without consuming a
			// validation attempt.
			conv = append(conv, completion.Message, Message{
				Role:    RoleUser,
				Content: "Continue. Respond by calling the " + ToolName + " tool with the extracted data.",
			})
			continue
		}
		if fromTool {
			stream.emit(Event{Type: EventToolCall, Turn: turn, Message: completion.Message.ToolCall.Name})
		}

		wrapped := wrapValue(unwrapKey, candidate)
		if err := validateShape(shape, wrapped); err != nil {
			lastErr = err
			conv = appendFeedback(conv, completion.Message, err)
			x.logger.Debug("shape rejected", "run", stream.RunID(), "turn", turn, "error", err)
			continue
		}
		data := Unwrap(unwrapKey, wrapped)
		if err := x.runPipeline(ctx, req, stream, turn, data); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			conv = appendFeedback(conv, completion.Message, err)
			continue
		}

		res := &Result{Data: data, Turns: turn, Usage: total}
		x.storeCache(ctx, req, stream, key, res)
		return res, nil
	}
	return nil, &TurnsExhaustedError{Turns: maxTurns, LastErr: lastErr}
}

// baseConversation builds the opening messages of the first turn.
func baseConversation(req *Request) []Message {
	if len(req.Messages) > 0 {
		return append([]Message(nil), req.Messages...)
	}
	return []Message{{Role: RoleUser, Content: req.Input}}
}

// appendFeedback appends the assistant message plus a feedback message carrying
// the exact failure text: a tool result for tool-call turns, a plain user
// message otherwise.
func appendFeedback(conv []Message, assistant Message, cause error) []Message {
	conv = append(conv, assistant)
	if assistant.ToolCall != nil {
		return append(conv, Message{
			Role:       RoleTool,
			ToolCallID: assistant.ToolCall.ID,
			Content:    cause.Error(),
		})
	}
	return append(conv, Message{
		Role:    RoleUser,
		Content: "The previous response was rejected: " + cause.Error() + ". Correct the output and respond again.",
	})
}

// extractCandidate pulls a candidate value out of a completion: the extraction
// tool's arguments when a matching invocation is present, else JSON parsed out
// of the response text. fromTool reports which path produced the candidate.
func extractCandidate(msg Message) (candidate any, fromTool, ok bool) {
	if tc := msg.ToolCall; tc != nil && tc.Name == ToolName {
		if v, err := decodeJSON(tc.Args); err == nil {
			return v, true, true
		}
	}
	if v, ok := parseLooseJSON(msg.Content); ok {
		return v, false, true
	}
	return nil, false, false
}

// parseLooseJSON extracts JSON from free text, trying in order: a fenced code
// block, the raw text, the widest {...} span, the widest [...] span.
func parseLooseJSON(text string) (any, bool) {
	if text == "" {
		return nil, false
	}
	if fenced, ok := fencedBlock(text); ok {
		if v, err := decodeJSON([]byte(fenced)); err == nil {
			return v, true
		}
	}
	if v, err := decodeJSON([]byte(text)); err == nil {
		return v, true
	}
	for _, span := range [...]struct{ open, close string }{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, span.open)
		end := strings.LastIndex(text, span.close)
		if start >= 0 && end > start {
			if v, err := decodeJSON([]byte(text[start : end+1])); err == nil {
				return v, true
			}
		}
	}
	return nil, false
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag after the opening backticks.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// cacheable applies the caller-side caching policy: requests carrying local
// validators are not cached unless the caller opted into revalidate-on-hit,
// because such validators may be non-deterministic and a cached value would
// silently skip them.
func (x *Extractor) cacheable(req *Request) bool {
	if x.cache == nil || req.Cache.Disabled {
		return false
	}
	if (req.Check != nil || req.CheckCtx != nil) && !req.Cache.Revalidate {
		return false
	}
	return true
}

func (x *Extractor) hasValidators(req *Request) bool {
	return req.Check != nil || req.CheckCtx != nil || req.CheckCommand != "" || req.CheckURL != ""
}

// checkCache implements the cache-check state. It returns (result, true) on a
// usable hit. A hit with validators and revalidation re-runs the pipeline
// first, evicting the entry and falling through on failure.
func (x *Extractor) checkCache(ctx context.Context, req *Request, stream *Stream, key string) (*Result, bool) {
	if !x.cacheable(req) {
		return nil, false
	}
	entry, ok, err := x.cache.Get(ctx, key)
	if err != nil {
		stream.emit(Event{Type: EventWarning, Message: "cache read failed: " + err.Error()})
		return nil, false
	}
	if !ok {
		stream.emit(Event{Type: EventCacheMiss, Message: key})
		return nil, false
	}
	if x.hasValidators(req) && req.Cache.Revalidate {
		if err := x.runPipeline(ctx, req, stream, 0, entry.Data); err != nil {
			_ = x.cache.Delete(ctx, key)
			x.logger.Debug("cached entry failed revalidation, evicted",
				"run", stream.RunID(), "key", key, "error", err)
			stream.emit(Event{Type: EventCacheMiss, Message: key})
			return nil, false
		}
	}
	stream.emit(Event{Type: EventCacheHit, Message: key})
	x.logger.Debug("cache hit", "run", stream.RunID(), "key", key)
	return &Result{Data: entry.Data, Turns: entry.Turns, Usage: entry.Usage}, true
}

// storeCache writes the final result best-effort; a write failure becomes a
// warning event and never fails the extraction.
func (x *Extractor) storeCache(ctx context.Context, req *Request, stream *Stream, key string, res *Result) {
	if !x.cacheable(req) {
		return
	}
	entry := &Entry{
		Data:      res.Data,
		Timestamp: time.Now(),
		Turns:     res.Turns,
		Usage:     res.Usage,
	}
	if err := x.cache.Set(ctx, key, entry, req.Cache.TTL); err != nil {
		stream.emit(Event{Type: EventWarning, Message: "cache write failed: " + err.Error()})
		x.logger.Warn("cache write failed", "run", stream.RunID(), "key", key, "error", err)
		return
	}
	stream.emit(Event{Type: EventCacheSet, Message: key})
}
