// Package distil extracts structured data from free-form text and images by
// driving a bounded conversation with a generative model until the output
// satisfies a target shape and an arbitrary chain of correctness checks.
//
// # Overview
//
// Given a JSON Schema shape, an instruction, and input, the engine offers the
// model a single extraction tool built from a provider-normalized copy of the
// shape, parses a candidate out of each response (tool arguments or loose JSON
// in text), validates it against the shape and then the configured validator
// layers, and feeds every failure back to the model as corrective context.
// Successful results are stored in a content-addressed cache.
//
// Pipeline: Request → schema normalization (once, per provider capabilities) →
// per turn: Generator call → candidate → shape validation → validator layers →
// cache write → Result. Progress is observable on an event Stream.
//
// # Key concepts
//
//   - Self-correction: every rejection becomes a feedback message carrying the
//     exact error text, so the model can fix its own output within MaxTurns.
//   - Layered validation: shape first, then Check, CheckCtx, an external
//     process, and an external HTTP endpoint, short-circuiting at the first
//     failure.
//   - Deterministic caching: the cache key is a pure function of input, shape,
//     instruction, model, and external validator identifiers.
//
// See Request, Extractor, and Generator for the core types, and New / Extract /
// Stream for setup.
//
// # Example
//
//	type Contact struct {
//	    Name  string `json:"name" jsonschema:"required"`
//	    Email string `json:"email" jsonschema:"required"`
//	}
//	shape, err := distil.SchemaFor[Contact]()
//	if err != nil { ... }
//	x := distil.New(gen)
//	res, err := x.Extract(ctx, distil.Request{
//	    Model:       "openai/gpt-4o",
//	    Schema:      shape,
//	    Instruction: "Extract the contact details.",
//	    Input:       "Reach Ada Lovelace at ada@example.com.",
//	})
//	if err != nil { ... }
package distil
