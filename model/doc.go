// Package model defines the provider-agnostic abstractions for driving a
// language model during an audited turn.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Decode provider responses into core.Message at the boundary so the
//     rest of the auditor never inspects vendor payload shapes
//   - Publish model_start / model_end lifecycle callbacks (Instrument)
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so higher layers remain decoupled from vendor SDKs.
package model
