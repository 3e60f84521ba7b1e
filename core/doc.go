// Package core provides the foundational domain types shared by the turn
// auditing packages:
//
//   - Message / Part (the normalized transcript an agent runtime hands over
//     once a turn is resolved)
//   - FunctionCall / FunctionResponse (tool-call intents and the outputs routed
//     back to the agent)
//   - RunToken (the opaque per-invocation key used only by the telemetry stream)
//
// The package intentionally keeps provider SDK types out of scope; adapters in
// model/openai and model/anthropic decode provider payloads into these shapes at
// the boundary so the rest of the module only ever sees one normalized form.
package core
