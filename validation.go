package distil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
)

// Validation layer names as reported in validation.* events, in pipeline order.
const (
	LayerCheck    = "check"
	LayerCheckCtx = "check_ctx"
	LayerCommand  = "command"
	LayerHTTP     = "http"
)

// runPipeline runs the configured validator layers over data in fixed order
// (Check, CheckCtx, CheckCommand, CheckURL), stopping at the first failure.
// Each attempted layer emits a start event and then a pass or fail event before
// the failure is returned to the extraction loop. Cancellation propagates as a
// context error, never as a validation failure.
func (x *Extractor) runPipeline(ctx context.Context, req *Request, stream *Stream, turn int, data any) error {
	type layer struct {
		name string
		run  func(context.Context, any) error
	}
	layers := make([]layer, 0, 4)
	if req.Check != nil {
		layers = append(layers, layer{LayerCheck, func(_ context.Context, v any) error {
			return req.Check(v)
		}})
	}
	if req.CheckCtx != nil {
		layers = append(layers, layer{LayerCheckCtx, req.CheckCtx})
	}
	if req.CheckCommand != "" {
		layers = append(layers, layer{LayerCommand, func(ctx context.Context, v any) error {
			return x.runCommandCheck(ctx, req.CheckCommand, v)
		}})
	}
	if req.CheckURL != "" {
		layers = append(layers, layer{LayerHTTP, func(ctx context.Context, v any) error {
			return x.runHTTPCheck(ctx, req.CheckURL, v)
		}})
	}
	for _, l := range layers {
		stream.emit(Event{Type: EventValidationStart, Turn: turn, Layer: l.name})
		if err := l.run(ctx, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stream.emit(Event{Type: EventValidationFail, Turn: turn, Layer: l.name, Message: err.Error()})
			x.logger.Warn("validation failed",
				"run", stream.RunID(), "turn", turn, "layer", l.name, "error", err)
			return err
		}
		stream.emit(Event{Type: EventValidationPass, Turn: turn, Layer: l.name})
	}
	return nil
}

// runCommandCheck pipes the serialized candidate into `<shell> -c <command>`
// and maps the exit code to pass/fail. Stderr becomes the failure message when
// present, with a generic exit-code message as fallback.
func (x *Extractor) runCommandCheck(ctx context.Context, command string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize candidate: %w", err)
	}
	cmd := exec.CommandContext(ctx, x.shell, "-c", command)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("validator exited with code %d", exitCode)
		}
		return &CommandValidationError{ExitCode: exitCode, Message: msg}
	}
	return nil
}

// maxValidatorBody bounds how much of an HTTP validator response is read.
const maxValidatorBody = 1 << 20

// runHTTPCheck POSTs the serialized candidate to the endpoint. A 2xx response
// passes; anything else fails with the message extracted from the body.
// Transport failures fail the layer with a zero status code.
func (x *Extractor) runHTTPCheck(ctx context.Context, url string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize candidate: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &HTTPValidationError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := x.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &HTTPValidationError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxValidatorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPValidationError{
		StatusCode: resp.StatusCode,
		Message:    httpFailureMessage(resp.StatusCode, body),
	}
}

// httpFailureMessage prefers an error or message field from a JSON body, then
// the raw body text, then a generic status line.
func httpFailureMessage(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("validator returned status %d", status)
}
